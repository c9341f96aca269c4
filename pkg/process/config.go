// Copyright (C) 2024 Tablehouse Authors.
// See LICENSE for copying information.

// Package process wires configuration, logging and lifecycle for the
// binaries. Config structs declare flags through `help` and `default` struct
// tags; Bind registers them on a command and Load applies flag, environment
// and config-file values back onto the struct.
package process

import (
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
)

// Error is the default process error class.
var Error = errs.Class("process")

// EnvPrefix is the environment prefix for all settings,
// e.g. TABLEHOUSE_SERVER_ADDRESS.
const EnvPrefix = "TABLEHOUSE"

// Bind registers a flag for every tagged field of config, which must be a
// pointer to a struct. Nested structs become dotted flag names, e.g.
// files.max-files.
func Bind(cmd *cobra.Command, config interface{}) {
	bindStruct(cmd.Flags(), reflect.ValueOf(config).Elem(), "")
}

func bindStruct(flags *pflag.FlagSet, val reflect.Value, prefix string) {
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if !field.IsExported() {
			continue
		}
		name := flagName(prefix, field.Name)
		help := field.Tag.Get("help")
		def := field.Tag.Get("default")

		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			bindStruct(flags, val.Field(i), name)
			continue
		}

		switch field.Type.Kind() {
		case reflect.String:
			flags.String(name, def, help)
		case reflect.Bool:
			b, _ := strconv.ParseBool(def)
			flags.Bool(name, b, help)
		case reflect.Int:
			n, _ := strconv.Atoi(def)
			flags.Int(name, n, help)
		case reflect.Int64:
			if field.Type == reflect.TypeOf(time.Duration(0)) {
				d, _ := time.ParseDuration(def)
				flags.Duration(name, d, help)
				continue
			}
			n, _ := strconv.ParseInt(def, 10, 64)
			flags.Int64(name, n, help)
		case reflect.Float64:
			f, _ := strconv.ParseFloat(def, 64)
			flags.Float64(name, f, help)
		}
	}
}

// Load resolves the final configuration for cmd: defaults, then config file,
// then environment, then flags, and writes the values into config.
func Load(cmd *cobra.Command, config interface{}, configFile string) error {
	vip := viper.New()
	vip.SetEnvPrefix(EnvPrefix)
	vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	vip.AutomaticEnv()
	if err := vip.BindPFlags(cmd.Flags()); err != nil {
		return Error.Wrap(err)
	}
	if configFile != "" {
		vip.SetConfigFile(configFile)
		if err := vip.ReadInConfig(); err != nil {
			return Error.Wrap(err)
		}
	}
	applyStruct(vip, reflect.ValueOf(config).Elem(), "")
	return nil
}

func applyStruct(vip *viper.Viper, val reflect.Value, prefix string) {
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if !field.IsExported() {
			continue
		}
		name := flagName(prefix, field.Name)

		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			applyStruct(vip, val.Field(i), name)
			continue
		}

		switch field.Type.Kind() {
		case reflect.String:
			val.Field(i).SetString(vip.GetString(name))
		case reflect.Bool:
			val.Field(i).SetBool(vip.GetBool(name))
		case reflect.Int:
			val.Field(i).SetInt(int64(vip.GetInt(name)))
		case reflect.Int64:
			if field.Type == reflect.TypeOf(time.Duration(0)) {
				val.Field(i).SetInt(int64(vip.GetDuration(name)))
				continue
			}
			val.Field(i).SetInt(vip.GetInt64(name))
		case reflect.Float64:
			val.Field(i).SetFloat(vip.GetFloat64(name))
		}
	}
}

// flagName joins the prefix and a kebab-cased field name with a dot.
func flagName(prefix, field string) string {
	name := kebab(field)
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

func kebab(name string) string {
	var out strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			// Break before an upper rune that starts a new word; runs of
			// capitals like "API" stay together.
			if i > 0 && (unicode.IsLower(runes[i-1]) ||
				(i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				out.WriteByte('-')
			}
			out.WriteRune(unicode.ToLower(r))
			continue
		}
		out.WriteRune(r)
	}
	return out.String()
}
