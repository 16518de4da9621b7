// Package bidding computes the over-the-air cost of a message and the
// minimum acceptable bid derived from it.
package bidding

// Messages ride in Blocksat packets carried over UDP/IPv4 with a layer-2
// MTU of 1500 bytes and an outer MPE framing layer. Fragmentation happens
// at the Blocksat packet level, so every fragment pays the full
// UDP/IP/Blocksat/MPE overhead.
const (
	ethMTU         = 1500
	udpIPHeader    = 20 + 8
	blocksatHeader = 8
	mpeHeader      = 16

	// MaxFragmentPayload is the usable payload per Blocksat packet.
	MaxFragmentPayload = ethMTU - udpIPHeader - blocksatHeader

	perFragmentOverhead = mpeHeader + udpIPHeader + blocksatHeader
)

// Params holds the tunable bid floor. Values come from configuration and
// are read-only after start-up.
type Params struct {
	// MinBid is the absolute minimum bid in millisatoshis.
	MinBid int64
	// MinPerByteBid is the minimum price per over-the-air byte in
	// millisatoshis.
	MinPerByteBid float64
}

// OTALen returns the number of bytes sent over the air for a message of
// msgLen payload bytes, including all fragment overhead.
func OTALen(msgLen int64) int64 {
	if msgLen <= 0 {
		return 0
	}
	fragments := (msgLen + MaxFragmentPayload - 1) / MaxFragmentPayload
	return msgLen + fragments*perFragmentOverhead
}

// MinBid returns the minimum acceptable bid in millisatoshis for a message
// of msgLen bytes.
func (p Params) MinBidFor(msgLen int64) int64 {
	otaLen := OTALen(msgLen)
	perByte := int64(ceilFloat(float64(otaLen) * p.MinPerByteBid))
	if perByte < p.MinBid {
		return p.MinBid
	}
	return perByte
}

// ValidBid reports whether bid meets the floor for a message of msgLen
// bytes.
func (p Params) ValidBid(msgLen, bid int64) bool {
	return bid >= p.MinBidFor(msgLen)
}

// PerByte returns the bid divided by the over-the-air message length, the
// scheduler's priority key.
func PerByte(bid, msgLen int64) float64 {
	otaLen := OTALen(msgLen)
	if otaLen == 0 {
		return 0
	}
	return float64(bid) / float64(otaLen)
}

func ceilFloat(v float64) float64 {
	i := float64(int64(v))
	if v > i {
		return i + 1
	}
	return i
}
