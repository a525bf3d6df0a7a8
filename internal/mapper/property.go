package mapper

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sdxl-assets/sam/internal/schema"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// richTextLimit is Notion's maximum content length of one rich text object.
const richTextLimit = 2000

// maxExactInt is the largest integer a Notion number (a float64) holds
// without rounding.
const maxExactInt = 1 << 53

// propertyValue extracts the scalar carried by a Notion property, based on
// the property's actual type (which may have drifted from the mapping).
func propertyValue(field string, prop schema.Property) (any, error) {
	raw := gjson.ParseBytes(prop.Raw)
	typ := prop.Type
	if typ == "" {
		typ = raw.Get("type").String()
	}
	val := raw.Get(typ)

	switch typ {
	case schema.PropTitle, schema.PropRichText:
		var b strings.Builder
		for _, seg := range val.Array() {
			if pt := seg.Get("plain_text"); pt.Exists() {
				b.WriteString(pt.String())
			} else {
				b.WriteString(seg.Get("text.content").String())
			}
		}
		return b.String(), nil

	case schema.PropNumber:
		if !val.Exists() || val.Type == gjson.Null {
			return nil, nil
		}
		if val.Type != gjson.Number {
			return nil, mappingErr(field, val.Raw, "number property holds %s", val.Type)
		}
		// Integer literals are read exactly; Float() would round past 2^53.
		if !strings.ContainsAny(val.Raw, ".eE") {
			if n, err := strconv.ParseInt(val.Raw, 10, 64); err == nil {
				return n, nil
			}
		}
		return val.Float(), nil

	case schema.PropSelect:
		if !val.Exists() || val.Type == gjson.Null {
			return nil, nil
		}
		return val.Get("name").String(), nil

	case schema.PropMultiSelect:
		names := []string{}
		for _, opt := range val.Array() {
			names = append(names, opt.Get("name").String())
		}
		return names, nil

	case schema.PropDate:
		start := val.Get("start")
		if !start.Exists() || start.Type == gjson.Null {
			return nil, nil
		}
		return start.String(), nil

	case schema.PropURL:
		if val.Type == gjson.Null {
			return nil, nil
		}
		return val.String(), nil

	case schema.PropCheckbox:
		return val.Bool(), nil
	}

	return nil, mappingErr(field, string(prop.Raw), "unsupported property type %q", typ)
}

// encodeProperty builds the Notion property object for a field value.
func encodeProperty(spec schema.FieldSpec, v any) (schema.Property, error) {
	typ := spec.PropertyType
	var payload any

	switch typ {
	case schema.PropTitle, schema.PropRichText:
		text, err := textOf(spec, v)
		if err != nil {
			return schema.Property{}, err
		}
		payload = richText(text)

	case schema.PropNumber:
		switch x := v.(type) {
		case nil:
			payload = nil
		case float64:
			payload = x
		case int64:
			if x > maxExactInt || x < -maxExactInt {
				return schema.Property{}, mappingErr(spec.Name, v,
					"integer is too large for a Notion number property, which holds 53 bits exactly; map the field to a rich_text property")
			}
			payload = x
		default:
			return schema.Property{}, mappingErr(spec.Name, v, "cannot write %T to a number property", v)
		}

	case schema.PropSelect:
		s, ok := v.(string)
		if v != nil && !ok {
			return schema.Property{}, mappingErr(spec.Name, v, "cannot write %T to a select property", v)
		}
		if s == "" {
			payload = nil
		} else {
			if strings.Contains(s, ",") {
				return schema.Property{}, mappingErr(spec.Name, v, "select option names cannot contain commas")
			}
			payload = map[string]string{"name": s}
		}

	case schema.PropMultiSelect:
		list, ok := v.([]string)
		if v != nil && !ok {
			return schema.Property{}, mappingErr(spec.Name, v, "cannot write %T to a multi_select property", v)
		}
		opts := make([]map[string]string, 0, len(list))
		for _, name := range list {
			if strings.Contains(name, ",") {
				return schema.Property{}, mappingErr(spec.Name, v, "option %q contains a comma", name)
			}
			opts = append(opts, map[string]string{"name": name})
		}
		payload = opts

	case schema.PropDate:
		switch x := v.(type) {
		case nil:
			payload = nil
		case time.Time:
			payload = map[string]string{"start": x.Format(time.RFC3339Nano)}
		default:
			return schema.Property{}, mappingErr(spec.Name, v, "cannot write %T to a date property", v)
		}

	case schema.PropURL:
		s, ok := v.(string)
		if v != nil && !ok {
			return schema.Property{}, mappingErr(spec.Name, v, "cannot write %T to a url property", v)
		}
		if s == "" {
			payload = nil
		} else {
			payload = s
		}

	case schema.PropCheckbox:
		b, ok := v.(bool)
		if v != nil && !ok {
			return schema.Property{}, mappingErr(spec.Name, v, "cannot write %T to a checkbox property", v)
		}
		payload = b

	default:
		return schema.Property{}, mappingErr(spec.Name, v, "unsupported property type %q", typ)
	}

	raw, err := sjson.SetBytes([]byte(`{}`), "type", typ)
	if err != nil {
		return schema.Property{}, mappingErr(spec.Name, v, "encode: %v", err)
	}
	raw, err = sjson.SetBytes(raw, typ, payload)
	if err != nil {
		return schema.Property{}, mappingErr(spec.Name, v, "encode: %v", err)
	}
	return schema.Property{Type: typ, Raw: raw}, nil
}

func textOf(spec schema.FieldSpec, v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	}
	return "", mappingErr(spec.Name, v, "cannot write %T to a text property", v)
}

// richText splits text into rich text objects of at most richTextLimit
// runes each, so long prompts survive the trip to Notion intact.
func richText(text string) []map[string]any {
	segments := []map[string]any{}
	for len(text) > 0 {
		cut := len(text)
		if utf8.RuneCountInString(text) > richTextLimit {
			cut = 0
			for i := 0; i < richTextLimit; i++ {
				_, size := utf8.DecodeRuneInString(text[cut:])
				cut += size
			}
		}
		segments = append(segments, map[string]any{
			"type": "text",
			"text": map[string]string{"content": text[:cut]},
		})
		text = text[cut:]
	}
	return segments
}
