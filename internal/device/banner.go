package device

import "strings"

// Banner is the CNXN identity, e.g.
// "device::ro.product.name=sdk;ro.product.model=Pixel;features=shell_v2,cmd".
type Banner struct {
	Kind       string            `json:"kind"`
	Serial     string            `json:"serial,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	Features   []string          `json:"features,omitempty"`
	Raw        string            `json:"raw"`
}

// ParseBanner splits "<kind>:<serial>:<key=value;...>". Missing parts stay empty.
func ParseBanner(raw string) Banner {
	raw = strings.TrimRight(raw, "\x00")
	b := Banner{Raw: raw}

	parts := strings.SplitN(raw, ":", 3)
	b.Kind = parts[0]
	if len(parts) > 1 {
		b.Serial = parts[1]
	}
	if len(parts) < 3 {
		return b
	}

	for _, kv := range strings.Split(parts[2], ";") {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}
		if key == "features" {
			b.Features = strings.Split(value, ",")
			continue
		}
		if b.Properties == nil {
			b.Properties = make(map[string]string)
		}
		b.Properties[key] = value
	}
	return b
}

func (b Banner) String() string {
	if model := b.Properties["ro.product.model"]; model != "" {
		return b.Kind + " " + model
	}
	if b.Kind == "" {
		return "unknown device"
	}
	return b.Kind
}
