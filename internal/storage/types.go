package storage

import (
	"encoding"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// DBPrivateKey holds the PKCS#8 private key of a local user, base64 encoded.
type DBPrivateKey struct {
	UserID     string `msgpack:"userId"`
	PrivateKey string `msgpack:"key"`
	CreatedAt  int64  `msgpack:"createdAt"`
}

func (k *DBPrivateKey) Key() []byte {
	return []byte(k.UserID)
}

func (k *DBPrivateKey) MarshalBinary() (data []byte, err error) {
	type alias DBPrivateKey
	return msgpack.Marshal((*alias)(k))
}

func (k *DBPrivateKey) UnmarshalBinary(data []byte) error {
	type alias DBPrivateKey
	return msgpack.Unmarshal(data, (*alias)(k))
}

// DBDraft lives in a per-user bucket under drafts.
type DBDraft struct {
	ChatID    string `msgpack:"chatId"`
	Text      string `msgpack:"text"`
	UpdatedAt int64  `msgpack:"updatedAt"`
}

func (d *DBDraft) Key() []byte {
	return []byte(d.ChatID)
}

func (d *DBDraft) MarshalBinary() (data []byte, err error) {
	type alias DBDraft
	return msgpack.Marshal((*alias)(d))
}

func (d *DBDraft) UnmarshalBinary(data []byte) error {
	type alias DBDraft
	return msgpack.Unmarshal(data, (*alias)(d))
}

type DBSession struct {
	Token       string `msgpack:"token"`
	UserID      string `msgpack:"userId"`
	DisplayName string `msgpack:"displayName"`
	ExpiresAt   int64  `msgpack:"expiresAt"`
}

var sessionKey = []byte("current")

func (s *DBSession) Key() []byte {
	return sessionKey
}

func (s *DBSession) MarshalBinary() (data []byte, err error) {
	type alias DBSession
	return msgpack.Marshal((*alias)(s))
}

func (s *DBSession) UnmarshalBinary(data []byte) error {
	type alias DBSession
	return msgpack.Unmarshal(data, (*alias)(s))
}
