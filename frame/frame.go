// Package frame describes the on-air field semantics of Blink packets
// (spec.md section 6). Byte layout below the field level — bit packing,
// endianness quirks of any particular radio driver — is out of scope; this
// package fixes one concrete, little-endian layout good enough for two
// Blink implementations to interoperate.
package frame

import (
	"encoding/binary"
	"errors"

	"github.com/bits-and-blooms/bitset"
)

// Type identifies the frame kind carried in the common header.
type Type uint8

const (
	TypeBeacon       Type = 'B'
	TypeJoinRequest  Type = 'J'
	TypeJoinResponse Type = 'R'
	TypeData         Type = 'D'
)

func (t Type) String() string {
	switch t {
	case TypeBeacon:
		return "Beacon"
	case TypeJoinRequest:
		return "JoinRequest"
	case TypeJoinResponse:
		return "JoinResponse"
	case TypeData:
		return "Data"
	default:
		return "Unknown"
	}
}

// Version is the protocol version carried in every header. Frames with a
// different version are silently dropped (spec.md section 7,
// BadProtocolVersion).
const Version uint8 = 1

// MaxFrameSize is the largest frame, header included, this layer will ever
// produce or accept.
const MaxFrameSize = 255

// headerSize is version(1) + type(1) + dst(8) + src(8).
const headerSize = 18

// Header is the common prefix of every Blink frame.
type Header struct {
	Version uint8
	Type    Type
	Dst     uint64
	Src     uint64
}

// ErrTooShort is returned when decoding a buffer shorter than a full
// header, or a type-specific frame shorter than its fixed fields.
var ErrTooShort = errors.New("frame: buffer too short")

// ErrTooLong is returned when encoding would exceed MaxFrameSize.
var ErrTooLong = errors.New("frame: exceeds max frame size")

// DecodeHeader reads the common header from the front of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < headerSize {
		return Header{}, ErrTooShort
	}
	return Header{
		Version: buf[0],
		Type:    Type(buf[1]),
		Dst:     binary.LittleEndian.Uint64(buf[2:10]),
		Src:     binary.LittleEndian.Uint64(buf[10:18]),
	}, nil
}

func encodeHeader(buf []byte, h Header) {
	buf[0] = h.Version
	buf[1] = byte(h.Type)
	binary.LittleEndian.PutUint64(buf[2:10], h.Dst)
	binary.LittleEndian.PutUint64(buf[10:18], h.Src)
}

// BloomBits is the fixed size of the bloom filter of joined node ids
// carried in every beacon. Size is platform-specific per spec.md section 9;
// 256 bits keeps false-positive rates workable for the handful-of-nodes
// schedules in this spec's Size Budget while staying small on the wire.
const BloomBits = 256

const bloomWords = BloomBits / 64
const bloomBytes = BloomBits / 8

// Bloom is a probabilistic set of joined node ids, built on
// github.com/bits-and-blooms/bitset. Two bit positions are set per id
// (double hashing over FNV-1a of the id), matching common small-bloom
// practice without needing a family of independent hash functions.
type Bloom struct {
	bits *bitset.BitSet
}

// NewBloom returns an empty bloom filter.
func NewBloom() *Bloom {
	return &Bloom{bits: bitset.New(BloomBits)}
}

func bloomIndices(id uint64) (uint, uint) {
	// FNV-1a over the 8 id bytes, then a second hash via a different
	// offset basis, per the classic two-hash bloom construction.
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], id)

	h1 := uint64(0xcbf29ce484222325)
	for _, b := range buf {
		h1 ^= uint64(b)
		h1 *= 0x100000001b3
	}

	h2 := uint64(0x84222325cbf29ce4)
	for _, b := range buf {
		h2 ^= uint64(b)
		h2 *= 0x100000001b3
	}

	return uint(h1 % BloomBits), uint(h2 % BloomBits)
}

// Add marks id as a member.
func (b *Bloom) Add(id uint64) {
	i, j := bloomIndices(id)
	b.bits.Set(i).Set(j)
}

// Contains reports whether id may be a member (false positives possible,
// false negatives are not).
func (b *Bloom) Contains(id uint64) bool {
	i, j := bloomIndices(id)
	return b.bits.Test(i) && b.bits.Test(j)
}

// Clear empties the filter, for the gateway to rebuild it each time the
// joined-node set changes.
func (b *Bloom) Clear() {
	b.bits.ClearAll()
}

// Encode writes the filter's fixed-size wire form into buf, which must be
// at least bloomBytes (BloomBits/8) long.
func (b *Bloom) Encode(buf []byte) {
	words := b.bits.Bytes()
	for w := 0; w < bloomWords; w++ {
		var word uint64
		if w < len(words) {
			word = words[w]
		}
		binary.LittleEndian.PutUint64(buf[w*8:w*8+8], word)
	}
}

// DecodeBloom reads a fixed-size wire-form filter from buf.
func DecodeBloom(buf []byte) (*Bloom, error) {
	if len(buf) < bloomBytes {
		return nil, ErrTooShort
	}
	words := make([]uint64, bloomWords)
	for w := 0; w < bloomWords; w++ {
		words[w] = binary.LittleEndian.Uint64(buf[w*8 : w*8+8])
	}
	return &Bloom{bits: bitset.FromWithLength(BloomBits, words)}, nil
}

// Beacon is the gateway's periodic announcement: current ASN, remaining
// join capacity, active schedule id, and the bloom filter of currently
// joined nodes.
type Beacon struct {
	Header
	ASN                uint64
	RemainingCapacity  uint8
	ActiveScheduleID   uint8
	Bloom              *Bloom
}

const beaconFixedSize = headerSize + 8 + 1 + 1 // + bloom

// EncodedSize is the wire length of a beacon frame.
func (b Beacon) EncodedSize() int { return beaconFixedSize + bloomBytes }

// Encode serializes the beacon.
func (b Beacon) Encode() ([]byte, error) {
	n := b.EncodedSize()
	if n > MaxFrameSize {
		return nil, ErrTooLong
	}
	buf := make([]byte, n)
	encodeHeader(buf, b.Header)
	binary.LittleEndian.PutUint64(buf[headerSize:headerSize+8], b.ASN)
	buf[headerSize+8] = b.RemainingCapacity
	buf[headerSize+9] = b.ActiveScheduleID
	if b.Bloom != nil {
		b.Bloom.Encode(buf[headerSize+10:])
	}
	return buf, nil
}

// DecodeBeacon parses a beacon frame; the caller has already validated the
// header's Type.
func DecodeBeacon(buf []byte) (Beacon, error) {
	if len(buf) < beaconFixedSize+bloomBytes {
		return Beacon{}, ErrTooShort
	}
	h, err := DecodeHeader(buf)
	if err != nil {
		return Beacon{}, err
	}
	bloom, err := DecodeBloom(buf[headerSize+10:])
	if err != nil {
		return Beacon{}, err
	}
	return Beacon{
		Header:            h,
		ASN:               binary.LittleEndian.Uint64(buf[headerSize : headerSize+8]),
		RemainingCapacity: buf[headerSize+8],
		ActiveScheduleID:  buf[headerSize+9],
		Bloom:             bloom,
	}, nil
}

// JoinRequest is the node's unicast request to join a gateway. It carries
// no payload beyond the header; the gateway learns the node's id from Src.
type JoinRequest struct {
	Header
}

// Encode serializes the join request.
func (r JoinRequest) Encode() ([]byte, error) {
	buf := make([]byte, headerSize)
	encodeHeader(buf, r.Header)
	return buf, nil
}

// DecodeJoinRequest parses a join request frame.
func DecodeJoinRequest(buf []byte) (JoinRequest, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return JoinRequest{}, err
	}
	return JoinRequest{Header: h}, nil
}

// JoinResponse admits a node into a specific uplink cell.
type JoinResponse struct {
	Header
	AssignedCellIndex uint16
}

const joinResponseSize = headerSize + 2

// Encode serializes the join response.
func (r JoinResponse) Encode() ([]byte, error) {
	buf := make([]byte, joinResponseSize)
	encodeHeader(buf, r.Header)
	binary.LittleEndian.PutUint16(buf[headerSize:], r.AssignedCellIndex)
	return buf, nil
}

// DecodeJoinResponse parses a join response frame.
func DecodeJoinResponse(buf []byte) (JoinResponse, error) {
	if len(buf) < joinResponseSize {
		return JoinResponse{}, ErrTooShort
	}
	h, err := DecodeHeader(buf)
	if err != nil {
		return JoinResponse{}, err
	}
	return JoinResponse{
		Header:            h,
		AssignedCellIndex: binary.LittleEndian.Uint16(buf[headerSize:]),
	}, nil
}

// Data carries an application payload.
type Data struct {
	Header
	Payload []byte
}

// Encode serializes the data frame.
func (d Data) Encode() ([]byte, error) {
	n := headerSize + len(d.Payload)
	if n > MaxFrameSize {
		return nil, ErrTooLong
	}
	buf := make([]byte, n)
	encodeHeader(buf, d.Header)
	copy(buf[headerSize:], d.Payload)
	return buf, nil
}

// DecodeData parses a data frame, aliasing Payload into buf.
func DecodeData(buf []byte) (Data, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return Data{}, err
	}
	return Data{Header: h, Payload: buf[headerSize:]}, nil
}
