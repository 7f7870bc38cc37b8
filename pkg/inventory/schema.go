package inventory

import (
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// FieldType is the expected value type of a schema field.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldNumber FieldType = "number"
	FieldDate   FieldType = "date" // ISO date string
)

// Rule describes the constraints of one field
// 項目ごとの検証ルール
type Rule struct {
	Required   bool
	Type       FieldType
	Min        *decimal.Decimal
	Max        *decimal.Decimal
	Scale      int // 小数点以下の最大桁数（0は無制限）
	Allowed    []string
	Nullable   bool
	AllowEmpty bool
	MaxLen     int
	Pattern    *regexp.Regexp
}

// Schema maps field names to rules. Values handed to Validate are string,
// decimal.Decimal or nil (explicit null); an absent key means "not provided".
// 項目名とルールの対応表
type Schema map[string]Rule

// Validate checks values against every rule and returns ValidationErrors
// ordered by field name, or nil.
// ルールに従って値を検証
func (s Schema) Validate(values map[string]any) error {
	var errs ValidationErrors

	unknown := make([]string, 0)
	for name := range values {
		if _, ok := s[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		errs = append(errs, NewValidationError(name, "未定義の項目です", fmt.Sprint(values[name])))
	}

	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value, present := values[name]
		if err := s[name].check(name, value, present); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// Partial returns a copy where nothing is required; provided strings still
// must not be empty unless the rule allowed it.
// 全項目を任意にしたスキーマを返す
func (s Schema) Partial() Schema {
	out := make(Schema, len(s))
	for name, rule := range s {
		rule.Required = false
		out[name] = rule
	}
	return out
}

func (r Rule) check(field string, value any, present bool) *ValidationError {
	if !present {
		if r.Required {
			return NewValidationError(field, "必須項目です", "")
		}
		return nil
	}
	if value == nil {
		if r.Nullable {
			return nil
		}
		return NewValidationError(field, "nullは許可されていません", "null")
	}

	switch r.Type {
	case FieldNumber:
		d, ok := value.(decimal.Decimal)
		if !ok {
			return NewValidationError(field, "数値である必要があります", fmt.Sprint(value))
		}
		if r.Min != nil && d.LessThan(*r.Min) {
			return NewValidationError(field, fmt.Sprintf("%s以上である必要があります", r.Min), d.String())
		}
		if r.Max != nil && d.GreaterThan(*r.Max) {
			return NewValidationError(field, fmt.Sprintf("%s以下である必要があります", r.Max), d.String())
		}
		if r.Scale > 0 && !d.Equal(d.Truncate(int32(r.Scale))) {
			return NewValidationError(field, fmt.Sprintf("小数点以下%d桁以内である必要があります", r.Scale), d.String())
		}
		return nil

	case FieldString, FieldDate:
		str, ok := value.(string)
		if !ok {
			return NewValidationError(field, "文字列である必要があります", fmt.Sprint(value))
		}
		if strings.TrimSpace(str) == "" {
			if r.AllowEmpty {
				return nil
			}
			if r.Required {
				return NewValidationError(field, "必須項目です", str)
			}
			return NewValidationError(field, "空文字は許可されていません", str)
		}
		if r.MaxLen > 0 && utf8.RuneCountInString(str) > r.MaxLen {
			return NewValidationError(field, fmt.Sprintf("%d文字以内である必要があります", r.MaxLen), str)
		}
		if len(r.Allowed) > 0 && !slices.Contains(r.Allowed, str) {
			return NewValidationError(field, fmt.Sprintf("%sのいずれかである必要があります", strings.Join(r.Allowed, ", ")), str)
		}
		if r.Pattern != nil && !r.Pattern.MatchString(str) {
			return NewValidationError(field, "無効な文字が含まれています", str)
		}
		if r.Type == FieldDate {
			if _, err := ParseDate(str); err != nil {
				return NewValidationError(field, "日付の形式が正しくありません (YYYY-MM-DD)", str)
			}
		}
		return nil

	default:
		return NewValidationError(field, "未対応の型です", string(r.Type))
	}
}

// ParseDate accepts an ISO date (2006-01-02) or an RFC 3339 timestamp.
// 日付文字列を解析
func ParseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

func mustDecimal(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}
