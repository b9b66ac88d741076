// ABOUTME: Static metadata an agent reports about itself when it announces.
// ABOUTME: Every field is always present on the wire; missing values become "UNKNOWN".

package protocol

import (
	"encoding/json"
)

// Unknown is the placeholder for metadata fields the agent did not supply.
const Unknown = "UNKNOWN"

// Metadata describes an agent. All fields are opaque strings.
type Metadata struct {
	Hostname        string
	Platform        string
	PlatformVersion string
	Machine         string
	Identity        string
	SoftwareVersion string
}

type metadataJSON struct {
	Hostname        string `json:"hostname"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platform_version"`
	Machine         string `json:"machine"`
	Identity        string `json:"bot_id"`
	SoftwareVersion string `json:"software_version"`
}

// Normalized returns a copy with every empty field set to Unknown.
func (m Metadata) Normalized() Metadata {
	return Metadata{
		Hostname:        orUnknown(m.Hostname),
		Platform:        orUnknown(m.Platform),
		PlatformVersion: orUnknown(m.PlatformVersion),
		Machine:         orUnknown(m.Machine),
		Identity:        orUnknown(m.Identity),
		SoftwareVersion: orUnknown(m.SoftwareVersion),
	}
}

// MarshalJSON emits the flat object with every key present.
func (m Metadata) MarshalJSON() ([]byte, error) {
	n := m.Normalized()
	return json.Marshal(metadataJSON(n))
}

// UnmarshalJSON accepts any flat object. Non-string or absent fields become Unknown,
// and "identity" is accepted in place of "bot_id".
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	identity := stringField(raw, "bot_id")
	if identity == Unknown {
		identity = stringField(raw, "identity")
	}

	*m = Metadata{
		Hostname:        stringField(raw, "hostname"),
		Platform:        stringField(raw, "platform"),
		PlatformVersion: stringField(raw, "platform_version"),
		Machine:         stringField(raw, "machine"),
		Identity:        identity,
		SoftwareVersion: stringField(raw, "software_version"),
	}
	return nil
}

func stringField(raw map[string]any, key string) string {
	s, _ := raw[key].(string)
	return orUnknown(s)
}

func orUnknown(s string) string {
	if s == "" {
		return Unknown
	}
	return s
}
