// Package region maps between the satellite region enumeration, the
// persisted region identifiers, and the bitmask region codes carried on
// orders and retransmission records.
package region

import "fmt"

// Region enumerates the satellite beams covered by the broadcast network.
type Region int

// Region numbers are the wire form used in HTTP requests. The persisted
// identifier is Number+1, kept for backward compatibility with the first
// generation of the service.
const (
	G18 Region = iota
	E113
	T11NAfr
	T11NEu
	T18VC
	T18VKu

	numRegions = 6
)

// MaskAll is the region code covering every region.
const MaskAll = 1<<numRegions - 1

// Info carries the static metadata for one region.
type Info struct {
	Region        Region
	ID            int
	SatelliteName string
	Coverage      string
	HasReceiver   bool
}

var regionInfo = [numRegions]Info{
	{G18, 1, "Galaxy 18", "North America", true},
	{E113, 2, "Eutelsat 113", "South America", true},
	{T11NAfr, 3, "Telstar 11N", "Africa", false},
	{T11NEu, 4, "Telstar 11N", "Europe", false},
	{T18VC, 5, "Telstar 18V C", "Asia Pacific", true},
	{T18VKu, 6, "Telstar 18V Ku", "Asia Pacific", true},
}

var regionNames = [numRegions]string{
	"g18", "e113", "t11n_afr", "t11n_eu", "t18v_c", "t18v_ku",
}

func (r Region) String() string {
	if r < 0 || int(r) >= numRegions {
		return fmt.Sprintf("region(%d)", int(r))
	}
	return regionNames[r]
}

// Number returns the wire-form region number.
func (r Region) Number() int { return int(r) }

// ID returns the persisted region identifier.
func (r Region) ID() int { return int(r) + 1 }

// Lookup returns the metadata for the region.
func (r Region) Lookup() Info { return regionInfo[r] }

// All returns every region in enumeration order.
func All() []Region {
	out := make([]Region, numRegions)
	for i := range out {
		out[i] = Region(i)
	}
	return out
}

// AllNumbers returns every region number in enumeration order.
func AllNumbers() []int {
	out := make([]int, numRegions)
	for i := range out {
		out[i] = i
	}
	return out
}

// MonitoredRxIDs returns the identifiers of regions with a receiving
// station, i.e. the regions expected to confirm reception.
func MonitoredRxIDs() []int {
	out := make([]int, 0, numRegions)
	for _, info := range regionInfo {
		if info.HasReceiver {
			out = append(out, info.ID)
		}
	}
	return out
}

// Unmonitored returns the regions without a receiving station.
func Unmonitored() []Region {
	out := make([]Region, 0, numRegions)
	for _, info := range regionInfo {
		if !info.HasReceiver {
			out = append(out, info.Region)
		}
	}
	return out
}

// ValidNumber reports whether n is a known region number.
func ValidNumber(n int) bool { return n >= 0 && n < numRegions }

// FromNumber converts a wire-form region number to a Region.
func FromNumber(n int) (Region, error) {
	if !ValidNumber(n) {
		return 0, fmt.Errorf("unknown region number %d", n)
	}
	return Region(n), nil
}

// FromID converts a persisted region identifier to a Region.
func FromID(id int) (Region, error) {
	if id < 1 || id > numRegions {
		return 0, fmt.Errorf("unknown region id %d", id)
	}
	return Region(id - 1), nil
}

// EncodeNumbers packs a set of region numbers into a region code.
func EncodeNumbers(numbers []int) (int, error) {
	code := 0
	for _, n := range numbers {
		if !ValidNumber(n) {
			return 0, fmt.Errorf("unknown region number %d", n)
		}
		code |= 1 << n
	}
	return code, nil
}

// EncodeIDs packs a set of persisted region identifiers into a region code.
func EncodeIDs(ids []int) (int, error) {
	numbers := make([]int, 0, len(ids))
	for _, id := range ids {
		r, err := FromID(id)
		if err != nil {
			return 0, err
		}
		numbers = append(numbers, r.Number())
	}
	return EncodeNumbers(numbers)
}

// DecodeNumbers expands a region code to the region numbers it covers.
// A code of zero means all regions.
func DecodeNumbers(code int) []int {
	if code == 0 {
		return AllNumbers()
	}
	out := make([]int, 0, numRegions)
	for n := 0; n < numRegions; n++ {
		if code&(1<<n) != 0 {
			out = append(out, n)
		}
	}
	return out
}

// DecodeIDs expands a region code to the persisted region identifiers it
// covers, with the same zero-means-all convention as DecodeNumbers.
func DecodeIDs(code int) []int {
	numbers := DecodeNumbers(code)
	out := make([]int, len(numbers))
	for i, n := range numbers {
		out[i] = n + 1
	}
	return out
}
