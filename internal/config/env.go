package config

import (
	"fmt"
	"reflect"

	"github.com/spf13/viper"
)

// envKeys lists the dotted viper key of every leaf field of the struct
// pointed to by target, following mapstructure tags. Nested structs are
// walked; slices, maps and scalars are leaves.
func envKeys(target interface{}) []string {
	var keys []string
	var walk func(t reflect.Type, prefix string)
	walk = func(t reflect.Type, prefix string) {
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			tag := f.Tag.Get("mapstructure")
			if tag == "" || tag == "-" || !f.IsExported() {
				continue
			}
			key := tag
			if prefix != "" {
				key = prefix + "." + tag
			}
			if f.Type.Kind() == reflect.Struct {
				walk(f.Type, key)
				continue
			}
			keys = append(keys, key)
		}
	}
	walk(reflect.TypeOf(target).Elem(), "")
	return keys
}

// bindEnv binds every key of target so AutomaticEnv reaches nested fields
// during Unmarshal, which it does not do on its own.
func bindEnv(v *viper.Viper, target interface{}) error {
	for _, key := range envKeys(target) {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}
