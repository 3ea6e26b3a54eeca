package presence

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
)

// ContentType тип тела PIDF документа
const ContentType = "application/pidf+xml"

// Accept значение заголовка Accept для SUBSCRIBE на presence
const Accept = "multipart/related, application/rlmi+xml, application/pidf+xml"

// ErrNoStatus документ не содержит ни note, ни activity, ни basic
var ErrNoStatus = errors.New("presence: document carries no status")

// Notification разобранное содержимое NOTIFY
type Notification struct {
	Entity string
	Status Status
	Open   bool
}

// Document строит PIDF документ для entity: tuple со статусом basic и
// dm:person с rpid activity и dm:note.
func Document(entity string, s Status) []byte {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	buf.WriteString(`<presence xmlns="urn:ietf:params:xml:ns:pidf"`)
	buf.WriteString(` xmlns:dm="urn:ietf:params:xml:ns:pidf:data-model"`)
	buf.WriteString(` xmlns:rpid="urn:ietf:params:xml:ns:pidf:rpid" entity="`)
	escape(&buf, entity)
	buf.WriteString(`">`)

	basic := "open"
	if s == NotAvailable {
		basic = "closed"
	}
	fmt.Fprintf(&buf, `<tuple id="t1"><status><basic>%s</basic></status></tuple>`, basic)

	buf.WriteString(`<dm:person id="p1">`)
	if a := s.activity(); a != "" {
		fmt.Fprintf(&buf, `<rpid:activities><rpid:%s/></rpid:activities>`, a)
	}
	buf.WriteString(`<dm:note>`)
	escape(&buf, string(s))
	buf.WriteString(`</dm:note></dm:person></presence>`)
	return buf.Bytes()
}

func escape(buf *bytes.Buffer, s string) {
	_ = xml.EscapeText(buf, []byte(s))
}

// поля сопоставляются по локальному имени, префиксы не важны
type pidf struct {
	XMLName xml.Name     `xml:"presence"`
	Entity  string       `xml:"entity,attr"`
	Tuples  []pidfTuple  `xml:"tuple"`
	Persons []pidfPerson `xml:"person"`
}

type pidfTuple struct {
	Basic string   `xml:"status>basic"`
	Notes []string `xml:"note"`
}

type pidfPerson struct {
	Notes      []string `xml:"note"`
	Activities *struct {
		Items []struct {
			XMLName xml.Name
		} `xml:",any"`
	} `xml:"activities"`
}

// ParseDocument извлекает статус из PIDF: сначала note, затем activity,
// затем basic open/closed.
func ParseDocument(body []byte) (Notification, error) {
	var doc pidf
	if err := xml.Unmarshal(body, &doc); err != nil {
		return Notification{}, fmt.Errorf("presence: %w", err)
	}

	n := Notification{Entity: doc.Entity}
	basic := ""
	for _, t := range doc.Tuples {
		if basic == "" {
			basic = strings.TrimSpace(t.Basic)
		}
	}
	n.Open = basic != "closed"

	for _, p := range doc.Persons {
		for _, note := range p.Notes {
			if note = strings.TrimSpace(note); note != "" {
				n.Status = ParseStatus(note)
				return n, nil
			}
		}
	}
	for _, t := range doc.Tuples {
		for _, note := range t.Notes {
			if note = strings.TrimSpace(note); note != "" {
				n.Status = ParseStatus(note)
				return n, nil
			}
		}
	}
	for _, p := range doc.Persons {
		if p.Activities == nil {
			continue
		}
		for _, item := range p.Activities.Items {
			if s, ok := fromActivity(item.XMLName.Local); ok {
				n.Status = s
				return n, nil
			}
		}
	}

	switch basic {
	case "open":
		n.Status = Available
	case "closed":
		n.Status = NotAvailable
	default:
		return n, ErrNoStatus
	}
	return n, nil
}
