package models

import "fmt"

// MessageType discriminates the payloads fanned out to live viewers.
type MessageType string

const (
	MessageTelemetry    MessageType = "telemetry"
	MessageStatusChange MessageType = "status_change"
	MessageSnapshot     MessageType = "snapshot"
)

// DefaultEquipmentType is assumed when the bus topic does not name one.
const DefaultEquipmentType = "pcc"

// ChannelKey addresses one register stream: a panel of a given equipment
// type at a site. It is comparable and used directly as a map key.
type ChannelKey struct {
	SiteID        string `json:"site_id"`
	EquipmentType string `json:"equipment_type"`
	PanelID       int    `json:"panel_id"`
}

// String renders the key as site/equipment/panel.
func (k ChannelKey) String() string {
	return fmt.Sprintf("%s/%s/%d", k.SiteID, k.EquipmentType, k.PanelID)
}

// Less orders keys by site, equipment type, then panel.
func (k ChannelKey) Less(o ChannelKey) bool {
	if k.SiteID != o.SiteID {
		return k.SiteID < o.SiteID
	}
	if k.EquipmentType != o.EquipmentType {
		return k.EquipmentType < o.EquipmentType
	}
	return k.PanelID < o.PanelID
}

// Register is one decoded controller register. Nullable fields stay nil when
// the decoder reported no value.
type Register struct {
	Addr   int      `json:"addr"`
	Name   string   `json:"name,omitempty"`
	Value  *float64 `json:"value"`
	Raw    *int64   `json:"raw"`
	Text   *string  `json:"text"`
	Unit   *string  `json:"unit"`
	Reason *string  `json:"reason"`
}

// Message is the unit of fan-out. Messages are treated as immutable once
// published: the hub hands the same value to every subscriber, so neither
// the hub nor consumers may modify Registers in place.
type Message struct {
	Type          MessageType      `json:"type"`
	SiteID        string           `json:"site_id"`
	EquipmentType string           `json:"equipment_type"`
	PanelID       int              `json:"panel_id"`
	Timestamp     string           `json:"timestamp,omitempty"`
	Registers     []Register       `json:"registers,omitempty"`
	Status        ConnectionStatus `json:"status,omitempty"`
}

// Key returns the channel the message belongs to.
func (m Message) Key() ChannelKey {
	return ChannelKey{SiteID: m.SiteID, EquipmentType: m.EquipmentType, PanelID: m.PanelID}
}

// NewStatusChange builds a synthetic status event for a channel.
func NewStatusChange(key ChannelKey, status ConnectionStatus) Message {
	return Message{
		Type:          MessageStatusChange,
		SiteID:        key.SiteID,
		EquipmentType: key.EquipmentType,
		PanelID:       key.PanelID,
		Status:        status,
	}
}

// Snapshot wraps the cached state delivered to a newly connected viewer.
type Snapshot struct {
	Type  MessageType `json:"type"`
	Items []Message   `json:"items"`
}

// NewSnapshot wraps items in a snapshot envelope.
func NewSnapshot(items []Message) Snapshot {
	return Snapshot{Type: MessageSnapshot, Items: items}
}
