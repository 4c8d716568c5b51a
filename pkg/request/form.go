package request

import (
	jsonlib "encoding/json"
	"fmt"
	"net/url"
	"reflect"

	"github.com/keboola/go-utils/pkg/orderedmap"
	"github.com/spf13/cast"
)

// WithFormValues sets the form body from a JSON like map and Content-Type header to "application/x-www-form-urlencoded".
//
// A slice is encoded as "key[0]", "key[1]", ..., a string map as "key[subKey]", other values are cast to a string.
// An encoding error is returned by Perform or Download.
func (r Request) WithFormValues(values map[string]any) Request {
	form, err := formValues(values)
	if err != nil {
		r = r.modify()
		r.body, r.bodyErr = nil, fmt.Errorf(`cannot encode form body: %w`, err)
		return r.WithContentType(ContentTypeFormURLEncoded)
	}
	return r.WithStringBody(form.Encode()).WithContentType(ContentTypeFormURLEncoded)
}

func formValues(in map[string]any) (url.Values, error) {
	out := make(url.Values)
	for k, v := range in {
		if v == nil {
			out.Set(k, "")
			continue
		}
		ty := reflect.TypeOf(v)
		switch {
		case ty.Kind() == reflect.Slice && ty.Elem().Kind() != reflect.Uint8:
			items := reflect.ValueOf(v)
			for i := range items.Len() {
				str, err := castToString(items.Index(i).Interface())
				if err != nil {
					return nil, fmt.Errorf(`key "%s[%d]": %w`, k, i, err)
				}
				out.Set(fmt.Sprintf("%s[%d]", k, i), str)
			}
		case ty.Kind() == reflect.Map && ty.Key().Kind() == reflect.String && ty.Elem().Kind() == reflect.String:
			for subKey, str := range cast.ToStringMapString(v) {
				out.Set(fmt.Sprintf("%s[%s]", k, subKey), str)
			}
		default:
			str, err := castToString(v)
			if err != nil {
				return nil, fmt.Errorf(`key "%s": %w`, k, err)
			}
			out.Set(k, str)
		}
	}
	return out, nil
}

func castToString(v any) (string, error) {
	// Ordered map, the standard library encoder produces compact JSON
	if orderedMap, ok := v.(*orderedmap.OrderedMap); ok {
		bytes, err := jsonlib.Marshal(orderedMap)
		if err != nil {
			return "", fmt.Errorf(`cannot cast %T to string: %w`, v, err)
		}
		return string(bytes), nil
	}

	str, err := cast.ToStringE(v)
	if err != nil {
		return "", fmt.Errorf(`cannot cast %T to string: %w`, v, err)
	}
	return str, nil
}
