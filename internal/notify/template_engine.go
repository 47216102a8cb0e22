package notify

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log"
	"math"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/osteele/liquid"
)

// TemplateEngine renders Liquid templates with a compiled-template cache.
// Rendering is pure: no store or network access happens inside Render. On
// any parse or render failure the original source is returned unchanged so a
// bad template degrades the message instead of dropping it; callers log this
// as a data-quality warning.
type TemplateEngine struct {
	engine *liquid.Engine
	cache  sync.Map // content hash -> *liquid.Template
	// now is injectable for deterministic tests; the pet_age filter is the
	// only time-dependent piece of rendering.
	now func() time.Time
}

// NewTemplateEngine creates an engine with the full custom filter set
// registered. The filter set is closed and known at build time.
func NewTemplateEngine() *TemplateEngine {
	te := &TemplateEngine{engine: liquid.NewEngine(), now: time.Now}
	te.registerFilters()
	return te
}

// SetClock overrides the time source. Tests only.
func (te *TemplateEngine) SetClock(now func() time.Time) { te.now = now }

// Render processes a template with the given context. Compiled templates are
// memoized by a hash of the source, so an unchanged template is compiled only
// once across sends. Identical source and context always produce identical
// output.
func (te *TemplateEngine) Render(source string, ctx map[string]interface{}) string {
	key := contentHash(source)

	var tpl *liquid.Template
	if cached, ok := te.cache.Load(key); ok {
		tpl = cached.(*liquid.Template)
	} else {
		parsed, err := te.engine.ParseString(source)
		if err != nil {
			log.Printf("[TemplateEngine] parse error, returning raw source: %v", err)
			return source
		}
		te.cache.Store(key, parsed)
		tpl = parsed
	}

	out, err := tpl.RenderString(ctx)
	if err != nil {
		log.Printf("[TemplateEngine] render error, returning raw source: %v", err)
		return source
	}
	return out
}

// RenderStrict renders without the degrade-to-source fallback. Used for
// template previews and validation, never for live sends.
func (te *TemplateEngine) RenderStrict(source string, ctx map[string]interface{}) (string, error) {
	return te.engine.ParseAndRenderString(source, ctx)
}

// Parse compiles a template and reports syntax errors without caching.
func (te *TemplateEngine) Parse(source string) error {
	_, err := te.engine.ParseString(source)
	return err
}

// Invalidate drops the compiled form of the given source. Called when a
// template record is updated or deleted.
func (te *TemplateEngine) Invalidate(source string) {
	te.cache.Delete(contentHash(source))
}

// ClearCache removes every compiled template. The map is drained in place;
// concurrent renders simply recompile.
func (te *TemplateEngine) ClearCache() {
	te.cache.Range(func(key, _ interface{}) bool {
		te.cache.Delete(key)
		return true
	})
}

func contentHash(source string) string {
	sum := md5.Sum([]byte(source))
	return hex.EncodeToString(sum[:])
}

// registerFilters adds the domain filter set available to template authors.
func (te *TemplateEngine) registerFilters() {
	// ============================================
	// STRING FILTERS
	// ============================================

	te.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		s := fmt.Sprintf("%v", value)
		if s == "" || s == "<nil>" {
			return defaultVal
		}
		return value
	})

	te.engine.RegisterFilter("capitalize", func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(string(s[0])) + strings.ToLower(s[1:])
	})

	te.engine.RegisterFilter("titlecase", func(s string) string {
		return strings.Title(strings.ToLower(s))
	})

	te.engine.RegisterFilter("upcase", strings.ToUpper)
	te.engine.RegisterFilter("downcase", strings.ToLower)

	te.engine.RegisterFilter("urlencode", func(s string) string {
		return url.QueryEscape(s)
	})

	// ============================================
	// NUMBER FILTERS
	// ============================================

	te.engine.RegisterFilter("currency", func(value interface{}) string {
		f, ok := toFloat(value)
		if !ok {
			return fmt.Sprintf("%v", value)
		}
		return fmt.Sprintf("$%.2f", f)
	})

	te.engine.RegisterFilter("round_to", func(value interface{}, places int) interface{} {
		f, ok := toFloat(value)
		if !ok {
			return value
		}
		p := math.Pow10(places)
		return math.Round(f*p) / p
	})

	te.engine.RegisterFilter("plus", func(a, b interface{}) interface{} {
		x, okA := toFloat(a)
		y, okB := toFloat(b)
		if !okA || !okB {
			return a
		}
		return trimFloat(x + y)
	})

	te.engine.RegisterFilter("minus", func(a, b interface{}) interface{} {
		x, okA := toFloat(a)
		y, okB := toFloat(b)
		if !okA || !okB {
			return a
		}
		return trimFloat(x - y)
	})

	te.engine.RegisterFilter("times", func(a, b interface{}) interface{} {
		x, okA := toFloat(a)
		y, okB := toFloat(b)
		if !okA || !okB {
			return a
		}
		return trimFloat(x * y)
	})

	te.engine.RegisterFilter("divided_by", func(a, b interface{}) interface{} {
		x, okA := toFloat(a)
		y, okB := toFloat(b)
		if !okA || !okB || y == 0 {
			return a
		}
		return trimFloat(x / y)
	})

	// Pluralization: {{ total_dogs | pluralize: "dog", "dogs" }}
	te.engine.RegisterFilter("pluralize", func(value interface{}, singular, plural string) string {
		f, ok := toFloat(value)
		if !ok {
			return plural
		}
		if f == 1 {
			return singular
		}
		return plural
	})

	// ============================================
	// DATE/TIME FILTERS
	// ============================================

	te.engine.RegisterFilter("date_short", func(t interface{}) string {
		ts, ok := toTime(t)
		if !ok {
			return fmt.Sprintf("%v", t)
		}
		return ts.Format("Jan 2, 2006")
	})

	te.engine.RegisterFilter("date_long", func(t interface{}) string {
		ts, ok := toTime(t)
		if !ok {
			return fmt.Sprintf("%v", t)
		}
		return ts.Format("Monday, January 2, 2006")
	})

	te.engine.RegisterFilter("date_time", func(t interface{}) string {
		ts, ok := toTime(t)
		if !ok {
			return fmt.Sprintf("%v", t)
		}
		return ts.Format("Jan 2, 2006 3:04 PM")
	})

	// ============================================
	// PET FILTERS
	// ============================================

	// Relative age from a birth date: "12 days", "5 months",
	// "3 years and 2 months". {{ dog.birth_date | pet_age }}
	te.engine.RegisterFilter("pet_age", func(t interface{}) string {
		birth, ok := toTime(t)
		if !ok {
			return ""
		}
		return PetAge(birth, te.now())
	})

	// Weight bucket from pounds: {{ dog.weight_lbs | weight_category }}
	te.engine.RegisterFilter("weight_category", func(value interface{}) string {
		lbs, ok := toFloat(value)
		if !ok {
			return ""
		}
		return WeightCategory(lbs)
	})

	// ============================================
	// ARRAY FILTERS
	// ============================================

	te.engine.RegisterFilter("join_names", func(items []string) string {
		return strings.Join(items, ", ")
	})

	te.engine.RegisterFilter("first_of", func(items []string) string {
		if len(items) == 0 {
			return ""
		}
		return items[0]
	})

	te.engine.RegisterFilter("last_of", func(items []string) string {
		if len(items) == 0 {
			return ""
		}
		return items[len(items)-1]
	})

	// ============================================
	// TRACKING
	// ============================================

	// Appends standard attribution parameters plus the required user id:
	// {{ shop_url | tracking_url: user.id }}
	te.engine.RegisterFilter("tracking_url", func(rawURL string, userID string) string {
		u, err := url.Parse(rawURL)
		if err != nil {
			return rawURL
		}
		q := u.Query()
		q.Set("utm_source", "waggletail")
		q.Set("utm_medium", "message")
		q.Set("uid", userID)
		u.RawQuery = q.Encode()
		return u.String()
	})
}

// PetAge renders a birth date as a descriptive age bucket relative to ref:
// under a month in days, under a year in months, then "X years and Y months".
func PetAge(birth, ref time.Time) string {
	if birth.After(ref) {
		return "0 days"
	}

	days := int(ref.Sub(birth).Hours() / 24)
	if days < 30 {
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}

	years := ref.Year() - birth.Year()
	months := int(ref.Month()) - int(birth.Month())
	if ref.Day() < birth.Day() {
		months--
	}
	if months < 0 {
		years--
		months += 12
	}

	totalMonths := years*12 + months
	if totalMonths < 12 {
		if totalMonths == 1 {
			return "1 month"
		}
		return fmt.Sprintf("%d months", totalMonths)
	}

	switch {
	case months == 0 && years == 1:
		return "1 year"
	case months == 0:
		return fmt.Sprintf("%d years", years)
	case years == 1 && months == 1:
		return "1 year and 1 month"
	case years == 1:
		return fmt.Sprintf("1 year and %d months", months)
	case months == 1:
		return fmt.Sprintf("%d years and 1 month", years)
	default:
		return fmt.Sprintf("%d years and %d months", years, months)
	}
}

// WeightCategory buckets a dog's weight in pounds into the size classes the
// shop uses for food and gear recommendations.
func WeightCategory(lbs float64) string {
	switch {
	case lbs <= 0:
		return ""
	case lbs < 10:
		return "toy"
	case lbs < 25:
		return "small"
	case lbs < 50:
		return "medium"
	case lbs < 90:
		return "large"
	default:
		return "giant"
	}
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
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// trimFloat returns an int when the float has no fractional part, keeping
// arithmetic filter output free of trailing ".000000".
func trimFloat(f float64) interface{} {
	if f == math.Trunc(f) {
		return int64(f)
	}
	return f
}

func toTime(value interface{}) (time.Time, bool) {
	switch v := value.(type) {
	case time.Time:
		return v, true
	case *time.Time:
		if v == nil {
			return time.Time{}, false
		}
		return *v, true
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t, true
		}
		if t, err := time.Parse("2006-01-02", v); err == nil {
			return t, true
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}
