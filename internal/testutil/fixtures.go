package testutil

import (
	"time"

	"github.com/HerbHall/genwatch/pkg/models"
)

// NewTelemetry returns a telemetry Message with sensible defaults, suitable
// for test fixtures. Override individual fields with options.
func NewTelemetry(opts ...func(*models.Message)) models.Message {
	value := 42.0
	m := models.Message{
		Type:          models.MessageTelemetry,
		SiteID:        "SN1",
		EquipmentType: models.DefaultEquipmentType,
		PanelID:       1,
		Timestamp:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339),
		Registers: []models.Register{
			{Addr: 40034, Name: "current_load", Value: &value},
		},
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// WithSite sets the message site id.
func WithSite(site string) func(*models.Message) {
	return func(m *models.Message) { m.SiteID = site }
}

// WithPanel sets the message panel id.
func WithPanel(panel int) func(*models.Message) {
	return func(m *models.Message) { m.PanelID = panel }
}

// WithEquipment sets the message equipment type.
func WithEquipment(equip string) func(*models.Message) {
	return func(m *models.Message) { m.EquipmentType = equip }
}

// WithTimestamp sets the message timestamp string.
func WithTimestamp(ts string) func(*models.Message) {
	return func(m *models.Message) { m.Timestamp = ts }
}

// WithValue replaces the registers with a single register holding v.
func WithValue(addr int, v float64) func(*models.Message) {
	return func(m *models.Message) {
		m.Registers = []models.Register{{Addr: addr, Value: &v}}
	}
}
