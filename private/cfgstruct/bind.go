// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package cfgstruct binds tagged config structs to flags.
package cfgstruct

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/spf13/pflag"
	"github.com/zeebo/errs"
)

// Error is a cfgstruct error.
var Error = errs.Class("cfgstruct")

// DefaultsEnvName is the environment variable selecting which default
// set to use.
const DefaultsEnvName = "GENRELAY_DEFAULTS"

// DefaultsType returns the type of defaults (dev/release/test) to use,
// "release" unless overridden through the environment.
func DefaultsType() string {
	dtype := strings.ToLower(os.Getenv(DefaultsEnvName))
	if dtype == "" {
		return "release"
	}
	return dtype
}

// BindOpt is an option for the Bind method.
type BindOpt func(*bindOpts)

type bindOpts struct {
	confDir  string
	defaults string
}

// ConfDir sets the directory the $CONFDIR placeholder in defaults
// expands to.
func ConfDir(dir string) BindOpt {
	return func(opts *bindOpts) { opts.confDir = dir }
}

// UseDevDefaults forces the dev defaults to be used.
func UseDevDefaults() BindOpt {
	return func(opts *bindOpts) { opts.defaults = "dev" }
}

// UseReleaseDefaults forces the release defaults to be used.
func UseReleaseDefaults() BindOpt {
	return func(opts *bindOpts) { opts.defaults = "release" }
}

// UseTestDefaults forces the test defaults to be used.
func UseTestDefaults() BindOpt {
	return func(opts *bindOpts) { opts.defaults = "test" }
}

// Bind sets flags on a FlagSet that match the configuration struct
// 'config'. This works by traversing the config struct using the
// 'reflect' package. Flag values are written directly into the struct
// fields, so the struct stays current as flags are parsed and set.
func Bind(flags *pflag.FlagSet, config interface{}, opts ...BindOpt) {
	ptr := reflect.ValueOf(config)
	if ptr.Kind() != reflect.Ptr {
		panic(fmt.Sprintf("invalid config type: %#v. Expecting pointer to struct.", config))
	}
	val := ptr.Elem()
	if val.Kind() != reflect.Struct {
		panic(fmt.Sprintf("invalid config type: %#v. Expecting pointer to struct.", config))
	}

	options := bindOpts{defaults: DefaultsType()}
	for _, opt := range opts {
		opt(&options)
	}

	bindStruct(flags, "", val, &options)
}

func bindStruct(flags *pflag.FlagSet, prefix string, val reflect.Value, options *bindOpts) {
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		fieldValue := val.Field(i)
		if !field.IsExported() {
			continue
		}

		name := prefix + hyphenate(field.Name)

		// time.Duration is an int64 kind, every other struct recurses.
		if fieldValue.Kind() == reflect.Struct {
			childPrefix := name + "."
			if field.Anonymous {
				childPrefix = prefix
			}
			bindStruct(flags, childPrefix, fieldValue, options)
			continue
		}

		help := field.Tag.Get("help")
		def := field.Tag.Get("default")
		if typed, ok := field.Tag.Lookup(options.defaults + "Default"); ok {
			def = typed
		}
		def = strings.ReplaceAll(def, "$CONFDIR", options.confDir)

		switch target := fieldValue.Addr().Interface().(type) {
		case *time.Duration:
			duration, err := time.ParseDuration(defaultString(def, "0s"))
			if err != nil {
				panic(Error.New("invalid duration default for %s: %q", name, def))
			}
			flags.DurationVar(target, name, duration, help)
		case *string:
			flags.StringVar(target, name, def, help)
		case *bool:
			parsed, err := strconv.ParseBool(defaultString(def, "false"))
			if err != nil {
				panic(Error.New("invalid bool default for %s: %q", name, def))
			}
			flags.BoolVar(target, name, parsed, help)
		case *int:
			parsed, err := strconv.Atoi(defaultString(def, "0"))
			if err != nil {
				panic(Error.New("invalid int default for %s: %q", name, def))
			}
			flags.IntVar(target, name, parsed, help)
		case *int64:
			parsed, err := strconv.ParseInt(defaultString(def, "0"), 10, 64)
			if err != nil {
				panic(Error.New("invalid int64 default for %s: %q", name, def))
			}
			flags.Int64Var(target, name, parsed, help)
		case *float64:
			parsed, err := strconv.ParseFloat(defaultString(def, "0"), 64)
			if err != nil {
				panic(Error.New("invalid float default for %s: %q", name, def))
			}
			flags.Float64Var(target, name, parsed, help)
		default:
			panic(Error.New("invalid field type %s for %s", field.Type, name))
		}

		for _, annotation := range []string{"hidden", "setup", "user"} {
			if readBoolTag(field, annotation) {
				markAnnotation(flags, name, annotation)
			}
		}
	}
}

func defaultString(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func readBoolTag(field reflect.StructField, name string) bool {
	value, err := strconv.ParseBool(field.Tag.Get(name))
	return err == nil && value
}

func markAnnotation(flags *pflag.FlagSet, name, annotation string) {
	if err := flags.SetAnnotation(name, annotation, []string{"true"}); err != nil {
		panic(Error.Wrap(err))
	}
	if annotation == "hidden" {
		if err := flags.MarkHidden(name); err != nil {
			panic(Error.Wrap(err))
		}
	}
}

// hyphenate converts a camel cased field name into the hyphenated flag
// form, e.g. MaxRetries into max-retries and APIEnabled into api-enabled.
func hyphenate(name string) string {
	runes := []rune(name)
	var out []rune
	for i, r := range runes {
		if unicode.IsUpper(r) {
			boundary := i > 0 &&
				(unicode.IsLower(runes[i-1]) ||
					(i+1 < len(runes) && unicode.IsLower(runes[i+1])))
			if boundary {
				out = append(out, '-')
			}
			r = unicode.ToLower(r)
		}
		out = append(out, r)
	}
	return string(out)
}
