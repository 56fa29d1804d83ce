package ops

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Duration accepts Go duration strings ("250ms") or a bare number of
// seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d *Duration) parse(raw string) error {
	raw = strings.Trim(strings.TrimSpace(raw), `"`)
	if raw == "" || raw == "null" {
		*d = 0
		return nil
	}
	if v, err := time.ParseDuration(raw); err == nil {
		*d = Duration(v)
		return nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid duration %q", raw)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	return d.parse(n.Value)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	return d.parse(string(b))
}

// Decimal accepts YAML numbers and strings as well as JSON numbers and
// strings.
type Decimal struct {
	decimal.Decimal
}

func (d *Decimal) UnmarshalYAML(n *yaml.Node) error {
	if n.Value == "" {
		d.Decimal = decimal.Zero
		return nil
	}
	v, err := decimal.NewFromString(n.Value)
	if err != nil {
		return fmt.Errorf("invalid decimal %q", n.Value)
	}
	d.Decimal = v
	return nil
}
