package store

import (
	"encoding/binary"
)

// Between reports whether m belongs to the conversation of the unordered pair {a, b}.
func (m *Message) Between(a, b string) bool {
	return (m.FromUserID == a && m.ToUserID == b) || (m.FromUserID == b && m.ToUserID == a)
}

// Peer returns the other party of m as seen by self.
func (m *Message) Peer(self string) string {
	if m.FromUserID == self {
		return m.ToUserID
	}
	return m.FromUserID
}

func (m *Message) validate() []string {
	var errs []string
	if m.FromUserID == "" {
		errs = append(errs, "fromUserId: required")
	}
	if m.ToUserID == "" {
		errs = append(errs, "toUserId: required")
	}
	if m.Message == "" {
		errs = append(errs, "message: required")
	}
	return errs
}

// itob returns an 8-byte big endian representation of v, which keeps bbolt keys in ID order.
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
