// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/komfkore/AdThMix/internal/fsutil"
	"github.com/pkg/errors"
)

// ParseSettings from settings, typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "param1=value1;param2=value2;...".
//
// params maps each known parameter name to a pointer to its current (default) value, as returned by
// train.Config.Params. The type of the pointer defines how the string value is parsed.
// Supported pointer types are *int, *uint64, *float64, *bool and *string.
//
// An entry "file:<path>" reads settings from a file, one or more per line; lines starting with "#" are comments.
//
// For integer types, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000.
//
// It returns the names of the parameters set, in the order they were set.
//
// Example usage:
//
//	func main() {
//		config := train.DefaultConfig()
//		settings := commandline.CreateSettingsFlag(config.Params(), "")
//		flag.Parse()
//		paramsSet := must.M1(commandline.ParseSettings(config.Params(), *settings))
//		fmt.Println(commandline.SprintModifiedSettings(config.Params(), paramsSet))
//		...
//	}
func ParseSettings(params map[string]any, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseSetting(params, setting, paramsSet)
		if err != nil {
			return
		}
	}
	return
}

func parseSetting(params map[string]any, setting string, paramsSet []string) (newParamsSet []string, err error) {
	newParamsSet = paramsSet
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return
	}
	if filePath, found := strings.CutPrefix(setting, "file:"); found {
		filePath, err = fsutil.ReplaceTildeInDir(filePath)
		if err != nil {
			return
		}
		var contents []byte
		contents, err = os.ReadFile(filePath)
		if err != nil {
			err = errors.Wrapf(err, "failed to read settings from file %q", filePath)
			return
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, setting := range strings.Split(line, ";") {
				newParamsSet, err = parseSetting(params, setting, newParamsSet)
				if err != nil {
					return
				}
			}
		}
		return
	}

	name, valueStr, found := strings.Cut(setting, "=")
	if !found || strings.Contains(valueStr, "=") {
		err = errors.Errorf("can't parse setting %q: each setting requires the format \"<param>=<value>\"", setting)
		return
	}
	name = strings.TrimSpace(name)
	ptr, found := params[name]
	if !found {
		err = errors.Errorf("can't set parameter %q: unknown parameter, see -help for the list of parameters", name)
		return
	}
	switch p := ptr.(type) {
	case *int:
		v := *p
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
		if err == nil {
			*p = v
		}
	case *uint64:
		v := *p
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), &v)
		if err == nil {
			*p = v
		}
	case *float64:
		v := *p
		err = json.Unmarshal([]byte(valueStr), &v)
		if err == nil {
			*p = v
		}
	case *bool:
		v := *p
		err = json.Unmarshal([]byte(valueStr), &v)
		if err == nil {
			*p = v
		}
	case *string:
		*p = valueStr
	default:
		err = errors.Errorf("don't know how to parse type %T for setting parameter %q", ptr, name)
	}
	if err != nil {
		err = errors.Wrapf(err, "failed to parse value %q for parameter %q", valueStr, name)
		return
	}
	newParamsSet = append(newParamsSet, name)
	return
}

// CreateSettingsFlag creates a string flag with the given flagName (if empty it will be named "set"),
// whose usage lists the parameters and their default values.
//
// The flag should be created before the call to `flag.Parse()`.
func CreateSettingsFlag(params map[string]any, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	parts := []string{
		`Set training parameters. ` +
			`It should be a list of elements "param=value" separated by ";". ` +
			`It can also be given an entry like: "file:settings_file.txt", in ` +
			`which case the file will be read and the settings will be parsed, ` +
			`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. ` +
			`Current available parameters that can be set:`,
	}
	values := SettingsValues(params)
	for _, name := range sortedNames(params) {
		parts = append(parts, fmt.Sprintf("%q: default value is %v", name, values[name]))
	}
	var settings string
	flag.StringVar(&settings, flagName, "", strings.Join(parts, "\n"))
	return &settings
}

// SettingsValues dereferences the parameter pointers, returning a map of name to value.
// It is used to save the settings along with checkpoints.
func SettingsValues(params map[string]any) map[string]any {
	values := make(map[string]any, len(params))
	for name, ptr := range params {
		switch p := ptr.(type) {
		case *int:
			values[name] = *p
		case *uint64:
			values[name] = *p
		case *float64:
			values[name] = *p
		case *bool:
			values[name] = *p
		case *string:
			values[name] = *p
		default:
			values[name] = ptr
		}
	}
	return values
}

// SprintSettings pretty-prints all the parameters into a string, one per line.
func SprintSettings(params map[string]any) string {
	values := SettingsValues(params)
	parts := make([]string, 0, len(values))
	for _, name := range sortedNames(params) {
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", name, values[name], values[name]))
	}
	return strings.Join(parts, "\n")
}

// SprintModifiedSettings pretty-prints only the parameters in paramsSet, as returned by ParseSettings.
func SprintModifiedSettings(params map[string]any, paramsSet []string) string {
	values := SettingsValues(params)
	paramsSet = slices.Clone(paramsSet)
	slices.Sort(paramsSet)
	paramsSet = slices.Compact(paramsSet)
	parts := make([]string, 0, len(paramsSet))
	for _, name := range paramsSet {
		value, found := values[name]
		if !found {
			continue
		}
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", name, value, value))
	}
	return strings.Join(parts, "\n")
}

func sortedNames(params map[string]any) []string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
