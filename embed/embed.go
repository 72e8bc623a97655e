// Package embed builds the rich card markup the chat client renders from a
// "|embed ... |end" block appended to a message.
//
//	card := embed.New(embed.Info).
//	    Title("Deploy finished").
//	    Description("3 services updated").
//	    Field("duration", "42s", true)
//
//	bot.Send(ctx, chatID, "done", slchat.WithEmbed(card))
package embed

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// Type selects the card style.
type Type string

const (
	Default Type = "default"
	Error   Type = "error"
	Warn    Type = "warn"
	Info    Type = "info"
	Success Type = "success"
	Note    Type = "note"
	Clean   Type = "clean"
)

var typeIcons = map[Type]string{
	Error:   "bx-x-circle",
	Warn:    "bx-alert-triangle",
	Info:    "bx-info-circle",
	Success: "bx-check-circle",
	Note:    "bx-note",
}

// TypeIcon returns the icon the client shows by default for t, or "".
func TypeIcon(t Type) string {
	return typeIcons[t]
}

// Field is one name/value row of a card.
type Field struct {
	Name   string `yaml:"name"`
	Value  string `yaml:"value"`
	Inline bool   `yaml:"inline"`
}

type body struct {
	Type        Type    `yaml:"type"`
	Icon        string  `yaml:"icon,omitempty"`
	Title       string  `yaml:"title,omitempty"`
	Description string  `yaml:"description,omitempty"`
	Color       string  `yaml:"color,omitempty"`
	Image       string  `yaml:"image,omitempty"`
	Avatar      string  `yaml:"avatar,omitempty"`
	Footer      string  `yaml:"footer,omitempty"`
	Fields      []Field `yaml:"fields,omitempty"`
}

// Embed is a card builder. The zero value is not usable; call New.
type Embed struct {
	b       body
	spoiler bool
}

// New starts a card of type t. An empty type means Default.
func New(t Type) *Embed {
	if t == "" {
		t = Default
	}
	return &Embed{b: body{Type: t}}
}

// Type changes the card style.
func (e *Embed) Type(t Type) *Embed {
	e.b.Type = t
	return e
}

// Title sets the heading line.
func (e *Embed) Title(s string) *Embed {
	e.b.Title = s
	return e
}

// Icon sets a boxicons name shown next to the title.
func (e *Embed) Icon(s string) *Embed {
	e.b.Icon = s
	return e
}

// TypeIcon uses the default icon of the current type.
func (e *Embed) TypeIcon() *Embed {
	e.b.Icon = TypeIcon(e.b.Type)
	return e
}

// Color sets the accent color, e.g. "#ff8800".
func (e *Embed) Color(s string) *Embed {
	e.b.Color = s
	return e
}

// Description sets the body text.
func (e *Embed) Description(s string) *Embed {
	e.b.Description = s
	return e
}

// Image attaches an image URL. A spoiler image is hidden until clicked.
func (e *Embed) Image(url string, spoiler bool) *Embed {
	e.b.Image = url
	e.spoiler = spoiler
	return e
}

// Avatar sets a small image shown beside the title.
func (e *Embed) Avatar(url string) *Embed {
	e.b.Avatar = url
	return e
}

// Footer sets the trailing line.
func (e *Embed) Footer(s string) *Embed {
	e.b.Footer = s
	return e
}

// Field appends a row.
func (e *Embed) Field(name, value string, inline bool) *Embed {
	e.b.Fields = append(e.b.Fields, Field{Name: name, Value: value, Inline: inline})
	return e
}

// Build renders the card block.
func (e *Embed) Build() string {
	b := e.b
	if b.Image != "" && e.spoiler {
		b.Image = "||" + b.Image + "||"
	}

	var sb strings.Builder
	sb.WriteString("|embed\n")
	enc := yaml.NewEncoder(&sb)
	enc.SetIndent(2)
	if err := enc.Encode(b); err != nil {
		// body holds only strings, bools and a slice of them.
		panic("embed: " + err.Error())
	}
	_ = enc.Close()
	sb.WriteString("|end")
	return sb.String()
}

// String is Build.
func (e *Embed) String() string {
	return e.Build()
}
