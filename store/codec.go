package store

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Every persisted blob is framed as
//
//	magic(1) | version(1) | xxhash64(payload)(8, big endian) | payload
//
// The checksum catches torn or bit-rotted writes that msgpack alone would
// happily decode into garbage.
const (
	frameMagic   byte = 0xCA
	frameVersion byte = 1
	frameHeader       = 10
)

var (
	errShortFrame = errors.New("frame too short")
	errBadMagic   = errors.New("bad frame magic")
	errChecksum   = errors.New("frame checksum mismatch")
)

func seal(payload []byte) []byte {
	buf := make([]byte, frameHeader+len(payload))
	buf[0] = frameMagic
	buf[1] = frameVersion
	binary.BigEndian.PutUint64(buf[2:frameHeader], xxhash.Sum64(payload))
	copy(buf[frameHeader:], payload)
	return buf
}

func unseal(frame []byte) ([]byte, error) {
	if len(frame) < frameHeader {
		return nil, errShortFrame
	}
	if frame[0] != frameMagic {
		return nil, errBadMagic
	}
	if frame[1] > frameVersion {
		return nil, errors.Newf("unsupported frame version %d", frame[1])
	}
	payload := frame[frameHeader:]
	if binary.BigEndian.Uint64(frame[2:frameHeader]) != xxhash.Sum64(payload) {
		return nil, errChecksum
	}
	return payload, nil
}

// record is the on-disk shape of one entry. Values are msgpack maps keyed by
// field name, so fields added later decode as zero values in old records and
// unknown fields are skipped by old readers.
type record struct {
	Value         msgpack.RawMessage `msgpack:"v"`
	LastUpdatedMs int64              `msgpack:"t"`
}

// EncodeEntry serializes an entry into a framed record.
func EncodeEntry[T any](e Entry[T]) ([]byte, error) {
	value, err := msgpack.Marshal(e.Value)
	if err != nil {
		return nil, errors.Wrap(err, "store: encode value")
	}
	payload, err := msgpack.Marshal(&record{Value: value, LastUpdatedMs: e.LastUpdatedMs})
	if err != nil {
		return nil, errors.Wrap(err, "store: encode record")
	}
	return seal(payload), nil
}

// DecodeEntry reverses EncodeEntry.
func DecodeEntry[T any](frame []byte) (Entry[T], error) {
	var e Entry[T]
	payload, err := unseal(frame)
	if err != nil {
		return e, err
	}
	var rec record
	if err := msgpack.Unmarshal(payload, &rec); err != nil {
		return e, errors.Wrap(err, "decode record")
	}
	if err := msgpack.Unmarshal(rec.Value, &e.Value); err != nil {
		return e, errors.Wrap(err, "decode value")
	}
	e.LastUpdatedMs = rec.LastUpdatedMs
	return e, nil
}

func encodeState[T any](state State[T]) (Records, error) {
	out := make(Records, len(state))
	for key, entry := range state {
		buf, err := EncodeEntry(entry)
		if err != nil {
			return nil, errors.Wrapf(err, "key %q", key)
		}
		out[key] = buf
	}
	return out, nil
}

func decodeState[T any](partition string, recs Records) (State[T], error) {
	out := make(State[T], len(recs))
	for key, buf := range recs {
		entry, err := DecodeEntry[T](buf)
		if err != nil {
			return nil, corrupted(partition, key, err)
		}
		out[key] = entry
	}
	return out, nil
}

// encodeContainer frames a whole partition for backends storing it as one blob.
func encodeContainer(recs Records) ([]byte, error) {
	payload, err := msgpack.Marshal(map[string][]byte(recs))
	if err != nil {
		return nil, errors.Wrap(err, "store: encode partition")
	}
	return seal(payload), nil
}

func decodeContainer(frame []byte) (Records, error) {
	payload, err := unseal(frame)
	if err != nil {
		return nil, err
	}
	var recs map[string][]byte
	if err := msgpack.Unmarshal(payload, &recs); err != nil {
		return nil, errors.Wrap(err, "decode partition")
	}
	if recs == nil {
		recs = map[string][]byte{}
	}
	return Records(recs), nil
}
