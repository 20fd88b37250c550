package icrypto

import (
	"encoding/binary"
)

const (
	aadPrivateKey   = "PRIVKEY"
	aadSessionValue = "SESSVAL"
)

// AADPrivateKey binds a sealed private key to its owner and format version.
func AADPrivateKey(userID string, ver int) []byte {
	return buildAAD(aadPrivateKey, userID, ver)
}

// AADSessionValue binds a stored session value to its session and key.
func AADSessionValue(token, key string, ver int) []byte {
	return buildAAD(aadSessionValue, token, key, ver)
}

func buildAAD(parts ...any) []byte {
	var res []byte
	for _, p := range parts {
		switch v := p.(type) {
		case string:
			res = appendLenPrefix(res, []byte(v))
		case []byte:
			res = appendLenPrefix(res, v)
		case uint64:
			b := make([]byte, 8)
			binary.BigEndian.PutUint64(b, v)
			res = append(res, b...)
		case int:
			b := make([]byte, 4)
			binary.BigEndian.PutUint32(b, uint32(v))
			res = append(res, b...)
		}
	}
	return res
}

func appendLenPrefix(b, data []byte) []byte {
	l := make([]byte, 4)
	binary.BigEndian.PutUint32(l, uint32(len(data)))
	b = append(b, l...)
	b = append(b, data...)
	return b
}
