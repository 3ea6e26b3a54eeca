// Package presence holds presence state for the SUBSCRIBE/NOTIFY and PUBLISH
// exchanges of an endpoint: status tokens, PIDF documents, subscriptions and
// publications.
package presence

import "strings"

// Status presence статус абонента. Закрытый набор токенов плюс произвольный
// текст через Custom.
type Status string

const (
	Available    Status = "Available"
	Busy         Status = "Busy"
	DoNotDisturb Status = "Do Not Disturb"
	Away         Status = "Away"
	OnThePhone   Status = "On The Phone"
	NotAvailable Status = "Not Available"
	OnHoliday    Status = "On Holiday"
	OnVacation   Status = "On Vacation"
	AfterHours   Status = "After Hours"
)

var known = []Status{
	Available, Busy, DoNotDisturb, Away, OnThePhone,
	NotAvailable, OnHoliday, OnVacation, AfterHours,
}

// Custom возвращает статус с произвольным текстом
func Custom(text string) Status { return Status(strings.TrimSpace(text)) }

// CallForward статус переадресации на extension
func CallForward(extension string) Status {
	return Custom("Call Forward " + extension)
}

// IsCustom сообщает, что статус не входит в закрытый набор
func (s Status) IsCustom() bool {
	for _, k := range known {
		if s == k {
			return false
		}
	}
	return true
}

func (s Status) String() string { return string(s) }

// activity возвращает элемент rpid:activities для статуса
func (s Status) activity() string {
	switch s {
	case Busy, DoNotDisturb, NotAvailable:
		return "busy"
	case Away, AfterHours:
		return "away"
	case OnThePhone:
		return "on-the-phone"
	case OnHoliday:
		return "holiday"
	case OnVacation:
		return "vacation"
	}
	if strings.HasPrefix(string(s), "Call Forward") {
		return "away"
	}
	return ""
}

// ParseStatus принимает токен в любом написании: "Do Not Disturb",
// "do_not_disturb", "DoNotDisturb". Неизвестный текст становится Custom.
func ParseStatus(token string) Status {
	norm := normalize(token)
	for _, k := range known {
		if normalize(string(k)) == norm {
			return k
		}
	}
	switch norm {
	case "dnd":
		return DoNotDisturb
	case "onthephone", "inacall", "oncall":
		return OnThePhone
	}
	return Custom(token)
}

func normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch r {
		case ' ', '_', '-', '\t':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func fromActivity(a string) (Status, bool) {
	switch a {
	case "busy":
		return Busy, true
	case "away":
		return Away, true
	case "on-the-phone":
		return OnThePhone, true
	case "holiday":
		return OnHoliday, true
	case "vacation":
		return OnVacation, true
	}
	return "", false
}
