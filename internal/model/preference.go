package model

import "time"

// Channel is a delivery path for a notification.
type Channel string

const (
	ChannelInApp Channel = "in_app"
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

// Channels lists every delivery channel in a stable order.
func Channels() []Channel {
	return []Channel{ChannelInApp, ChannelEmail, ChannelPush}
}

// Preference is the per-notification-type, per-channel enablement row.
//
// Invariant: when Enabled is false the channel flags are inert regardless
// of their stored value.
type Preference struct {
	Type      NotificationType `db:"type" json:"type"`
	Enabled   bool             `db:"enabled" json:"enabled"`
	InApp     bool             `db:"in_app" json:"in_app"`
	Email     bool             `db:"email" json:"email"`
	Push      bool             `db:"push" json:"push"`
	Settings  Metadata         `db:"settings" json:"settings,omitempty"`
	UpdatedAt time.Time        `db:"updated_at" json:"updated_at"`
}

// DefaultPreference is the fail-open default used when no row exists:
// the type is enabled, in-app and push are on, email is opt-in.
func DefaultPreference(typ NotificationType) Preference {
	return Preference{
		Type:    typ,
		Enabled: true,
		InApp:   true,
		Push:    true,
	}
}

// ChannelEnabled applies the enabled-gates-everything invariant.
func (p Preference) ChannelEnabled(c Channel) bool {
	if !p.Enabled {
		return false
	}
	switch c {
	case ChannelInApp:
		return p.InApp
	case ChannelEmail:
		return p.Email
	case ChannelPush:
		return p.Push
	}
	return false
}

// PreferencePatch is a partial update: nil fields are left untouched.
type PreferencePatch struct {
	Enabled  *bool    `json:"enabled,omitempty"`
	InApp    *bool    `json:"in_app,omitempty"`
	Email    *bool    `json:"email,omitempty"`
	Push     *bool    `json:"push,omitempty"`
	Settings Metadata `json:"settings,omitempty"`
}

// Apply merges the patch into p. Settings keys are merged per-key;
// everything unspecified keeps its prior value.
func (patch PreferencePatch) Apply(p Preference) Preference {
	if patch.Enabled != nil {
		p.Enabled = *patch.Enabled
	}
	if patch.InApp != nil {
		p.InApp = *patch.InApp
	}
	if patch.Email != nil {
		p.Email = *patch.Email
	}
	if patch.Push != nil {
		p.Push = *patch.Push
	}
	if len(patch.Settings) > 0 {
		if p.Settings == nil {
			p.Settings = Metadata{}
		}
		for k, v := range patch.Settings {
			p.Settings[k] = v
		}
	}
	return p
}
