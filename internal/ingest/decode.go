// Package ingest subscribes to decoded controller telemetry on the MQTT bus
// and republishes it into the hub.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/HerbHall/genwatch/pkg/models"
)

// ErrMalformed marks a bus payload that cannot be turned into a message.
var ErrMalformed = errors.New("malformed telemetry payload")

// equipmentSegment is the index of the equipment type in
// <prefix...>/SN/<site>/<equipment>/<panel>.
const equipmentSegment = 5

type payload struct {
	SiteID    string            `json:"site_id"`
	RouterSN  string            `json:"router_sn"`
	PanelID   *flexInt          `json:"panel_id"`
	BServerID *flexInt          `json:"bserver_id"`
	Timestamp json.RawMessage   `json:"timestamp"`
	Registers []models.Register `json:"registers"`
}

// flexInt accepts a JSON number or a numeric string.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("panel id %q: %w", s, err)
	}
	*f = flexInt(n)
	return nil
}

// Decode turns one bus message into a telemetry Message. The site comes from
// site_id, or router_sn for older gateways, and is required. The panel comes
// from panel_id or bserver_id and defaults to 0. The equipment type is taken
// from the topic and defaults to pcc.
func Decode(topic string, data []byte) (models.Message, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return models.Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	site := p.SiteID
	if site == "" {
		site = p.RouterSN
	}
	if site == "" {
		return models.Message{}, fmt.Errorf("%w: missing site_id", ErrMalformed)
	}

	panel := 0
	switch {
	case p.PanelID != nil:
		panel = int(*p.PanelID)
	case p.BServerID != nil:
		panel = int(*p.BServerID)
	}

	ts, err := timestamp(p.Timestamp)
	if err != nil {
		return models.Message{}, err
	}

	return models.Message{
		Type:          models.MessageTelemetry,
		SiteID:        site,
		EquipmentType: equipmentType(topic),
		PanelID:       panel,
		Timestamp:     ts,
		Registers:     p.Registers,
	}, nil
}

func equipmentType(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) > equipmentSegment && parts[equipmentSegment] != "" {
		return parts[equipmentSegment]
	}
	return models.DefaultEquipmentType
}

// timestamp passes a string through unchanged and renders a number in its
// JSON form.
func timestamp(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("%w: timestamp: %v", ErrMalformed, err)
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("%w: timestamp: %v", ErrMalformed, err)
	}
	return n.String(), nil
}
