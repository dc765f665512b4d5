package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	ID           string `msgpack:"id"`
	Name         string `msgpack:"name"`
	Email        string `msgpack:"email"`
	AvatarURL    string `msgpack:"avatarUrl"`
	PasswordHash string `msgpack:"passwordHash"`
	CreatedAt    int64  `msgpack:"createdAt"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

type DBChat struct {
	ID            string   `msgpack:"id"`
	Kind          string   `msgpack:"kind"`
	Name          string   `msgpack:"name"`
	MemberIDs     []string `msgpack:"memberIds"`
	AdminID       string   `msgpack:"adminId"`
	LastMessageID string   `msgpack:"lastMessageId"`
	CreatedAt     int64    `msgpack:"createdAt"`
}

func (c *DBChat) Key() []byte {
	return []byte(c.ID)
}

func (c *DBChat) MarshalBinary() (data []byte, err error) {
	type alias DBChat
	return msgpack.Marshal((*alias)(c))
}

func (c *DBChat) UnmarshalBinary(data []byte) error {
	type alias DBChat
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBMessage struct {
	ID            string   `msgpack:"id"`
	ChatID        string   `msgpack:"chatId"`
	SenderID      string   `msgpack:"senderId"`
	Content       string   `msgpack:"content"`
	HTML          string   `msgpack:"html"`
	CreatedAt     int64    `msgpack:"createdAt"`
	CreatedAtNano int64    `msgpack:"createdAtNano"`
	ReadBy        []string `msgpack:"readBy"`
}

// Key orders messages by creation time within their chat bucket; the id
// suffix keeps keys unique when timestamps collide.
func (m *DBMessage) Key() []byte {
	key := make([]byte, 8, 8+len(m.ID))
	binary.BigEndian.PutUint64(key, uint64(m.CreatedAtNano))
	return append(key, m.ID...)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

type DBFile struct {
	ID       string `msgpack:"id"`
	Hash     string `msgpack:"hash"`
	MimeType string `msgpack:"mimeType"`
	Name     string `msgpack:"name"`
}

func (f *DBFile) Key() []byte {
	return []byte(f.ID)
}

func (f *DBFile) MarshalBinary() (data []byte, err error) {
	type alias DBFile
	return msgpack.Marshal((*alias)(f))
}

func (f *DBFile) UnmarshalBinary(data []byte) error {
	type alias DBFile
	return msgpack.Unmarshal(data, (*alias)(f))
}

type DBPushSubscription struct {
	UserID   string `msgpack:"userId"`
	Endpoint string `msgpack:"endpoint"`
	P256dh   string `msgpack:"p256dh"`
	Auth     string `msgpack:"auth"`
}

func (s *DBPushSubscription) Key() []byte {
	return []byte(s.Endpoint)
}

func (s *DBPushSubscription) MarshalBinary() (data []byte, err error) {
	type alias DBPushSubscription
	return msgpack.Marshal((*alias)(s))
}

func (s *DBPushSubscription) UnmarshalBinary(data []byte) error {
	type alias DBPushSubscription
	return msgpack.Unmarshal(data, (*alias)(s))
}
