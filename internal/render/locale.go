package render

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/osteele/liquid"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"
)

var dateLayouts = map[string]string{
	"en": "2 January 2006",
	"de": "2.1.2006",
	"fr": "02/01/2006",
	"es": "02/01/2006",
	"nl": "2-1-2006",
	"pt": "02/01/2006",
	"tr": "02.01.2006",
}

const fallbackDateLayout = "2006-01-02"

// localeFormatter formats numbers, amounts and dates for one site locale.
type localeFormatter struct {
	tag      language.Tag
	printer  *message.Printer
	unit     currency.Unit
	location *time.Location
	layout   string
}

func newLocaleFormatter(settings Settings) (*localeFormatter, error) {
	tag, err := language.Parse(settings.Locale)
	if err != nil {
		return nil, fmt.Errorf("invalid locale %q: %w", settings.Locale, err)
	}
	unit, err := currency.ParseISO(settings.Currency)
	if err != nil {
		return nil, fmt.Errorf("invalid currency %q: %w", settings.Currency, err)
	}
	location, err := time.LoadLocation(settings.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", settings.Timezone, err)
	}

	base, _ := tag.Base()
	layout, ok := dateLayouts[base.String()]
	if !ok {
		layout = fallbackDateLayout
	}

	return &localeFormatter{
		tag:      tag,
		printer:  message.NewPrinter(tag),
		unit:     unit,
		location: location,
		layout:   layout,
	}, nil
}

func (f *localeFormatter) Number(v float64) string {
	return f.printer.Sprintf("%v", number.Decimal(v))
}

func (f *localeFormatter) Money(v float64) string {
	return f.printer.Sprintf("%v", currency.Symbol(f.unit.Amount(v)))
}

func (f *localeFormatter) Date(t time.Time) string {
	return t.In(f.location).Format(f.layout)
}

func (f *localeFormatter) register(engine *liquid.Engine) {
	engine.RegisterFilter("number", func(value interface{}) string {
		v, ok := toFloat(value)
		if !ok {
			return fmt.Sprintf("%v", value)
		}
		return f.Number(v)
	})
	engine.RegisterFilter("money", func(value interface{}) string {
		v, ok := toFloat(value)
		if !ok {
			return fmt.Sprintf("%v", value)
		}
		return f.Money(v)
	})
	engine.RegisterFilter("date_locale", func(value interface{}) string {
		switch v := value.(type) {
		case time.Time:
			return f.Date(v)
		case *time.Time:
			if v == nil {
				return ""
			}
			return f.Date(*v)
		case string:
			parsed, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return v
			}
			return f.Date(parsed)
		case nil:
			return ""
		default:
			return fmt.Sprintf("%v", value)
		}
	})
}

func toFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return parsed, err == nil
	}
	return 0, false
}
