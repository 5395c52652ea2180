package blob

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// Blob is the metadata record for one uploaded file. The key is the
// backend-facing locator: immutable, globally unique and never derived
// from user input. ByteSize and Checksum are fixed at creation.
type Blob struct {
	ID          string   `db:"id" json:"id"`
	Key         string   `db:"key" json:"key"`
	Filename    string   `db:"filename" json:"filename"`
	ContentType string   `db:"content_type" json:"contentType"`
	ServiceName string   `db:"service_name" json:"serviceName"`
	ByteSize    int64    `db:"byte_size" json:"byteSize"`
	Checksum    string   `db:"checksum" json:"checksum"`
	Metadata    Metadata `db:"metadata" json:"metadata"`
	CreatedAt   string   `db:"created_at" json:"createdAt"`
	UpdatedAt   string   `db:"updated_at" json:"updatedAt"`
}

func (b *Blob) IsImage() bool {
	return strings.HasPrefix(b.ContentType, "image/")
}

func (b *Blob) IsVideo() bool {
	return strings.HasPrefix(b.ContentType, "video/")
}

func (b *Blob) IsAudio() bool {
	return strings.HasPrefix(b.ContentType, "audio/")
}

// Metadata is the open key/value map stored alongside a blob. It is
// persisted as a JSON text column.
type Metadata map[string]string

func (m Metadata) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (m *Metadata) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into Metadata", src)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, m)
}

const (
	sizeKB = 1024
	sizeMB = 1024 * sizeKB
	sizeGB = 1024 * sizeMB
)

// HumanSize formats a byte count with binary-prefix thresholds.
func HumanSize(byteCount int64) string {
	switch {
	case byteCount < sizeKB:
		return fmt.Sprintf("%d bytes", byteCount)
	case byteCount < sizeMB:
		return fmt.Sprintf("%.1f KB", float64(byteCount)/sizeKB)
	case byteCount < sizeGB:
		return fmt.Sprintf("%.1f MB", float64(byteCount)/sizeMB)
	default:
		return fmt.Sprintf("%.1f GB", float64(byteCount)/sizeGB)
	}
}
