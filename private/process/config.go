// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package process

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/zeebo/errs"
	yaml "gopkg.in/yaml.v3"
)

// SaveConfigWithAllDefaults writes the flags to outfile as a YAML config
// file. Flags that are still at their default are written as comments, so
// the file documents every knob without pinning it. Values in overrides
// replace the flag values and are always written uncommented.
func SaveConfigWithAllDefaults(flags *pflag.FlagSet, outfile string, overrides map[string]interface{}) error {
	var entries []*pflag.Flag
	flags.VisitAll(func(f *pflag.Flag) {
		switch {
		case f.Name == "config-dir" || f.Name == "help":
			return
		case f.Hidden || readBoolAnnotation(f, "hidden") || readBoolAnnotation(f, "setup"):
			return
		}
		entries = append(entries, f)
	})
	sort.Slice(entries, func(i, k int) bool { return entries[i].Name < entries[k].Name })

	var out strings.Builder
	for _, f := range entries {
		value := typedFlagValue(f)
		overrideValue, overridden := overrides[f.Name]
		if overridden {
			value = overrideValue
		}

		line, err := yamlLine(f.Name, value)
		if err != nil {
			return errs.Wrap(err)
		}

		if f.Usage != "" {
			out.WriteString("# " + f.Usage + "\n")
		}
		if !f.Changed && !overridden {
			line = "# " + line
		}
		out.WriteString(line + "\n\n")
	}

	return errs.Wrap(atomicWrite(outfile, 0600, []byte(out.String())))
}

// readBoolAnnotation is a helper to see if a boolean annotation is set to true on the flag.
func readBoolAnnotation(flag *pflag.Flag, key string) bool {
	annotation := flag.Annotations[key]
	return len(annotation) > 0 && annotation[0] == "true"
}

func typedFlagValue(f *pflag.Flag) interface{} {
	raw := f.Value.String()
	switch f.Value.Type() {
	case "bool":
		if v, err := strconv.ParseBool(raw); err == nil {
			return v
		}
	case "int", "int64":
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return v
		}
	case "float64":
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return v
		}
	case "duration":
		if v, err := time.ParseDuration(raw); err == nil {
			return v.String()
		}
	}
	return raw
}

func yamlLine(name string, value interface{}) (string, error) {
	data, err := yaml.Marshal(map[string]interface{}{name: value})
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\n"), nil
}

// atomicWrite is a helper to atomically write the data to the outfile.
func atomicWrite(outfile string, mode os.FileMode, data []byte) (err error) {
	fh, err := os.CreateTemp(filepath.Dir(outfile), filepath.Base(outfile))
	if err != nil {
		return errs.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, fh.Close())
			err = errs.Combine(err, os.Remove(fh.Name()))
		}
	}()
	if err := fh.Chmod(mode); err != nil {
		return errs.Wrap(err)
	}
	if _, err := fh.Write(data); err != nil {
		return errs.Wrap(err)
	}
	if err := fh.Sync(); err != nil {
		return errs.Wrap(err)
	}
	if err := fh.Close(); err != nil {
		return errs.Wrap(err)
	}
	if err := os.Rename(fh.Name(), outfile); err != nil {
		return errs.Wrap(err)
	}
	return nil
}
