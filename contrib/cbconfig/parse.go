package cbconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// ErrParsingFailure indicates a config payload could not be parsed.
var ErrParsingFailure = errors.New("parsing failure")

const hostPlaceholder = "$HOST"

// ParseConfig replaces every $HOST placeholder in data with sourceHost and
// then decodes the result as a terse config.
func ParseConfig(data []byte, sourceHost string) (*TerseConfigJson, error) {
	if strings.Contains(sourceHost, hostPlaceholder) {
		return nil, pkgerrors.Wrapf(ErrParsingFailure, "source host %q contains the %s placeholder", sourceHost, hostPlaceholder)
	}

	data = bytes.ReplaceAll(data, []byte(hostPlaceholder), []byte(sourceHost))

	var config TerseConfigJson
	err := json.Unmarshal(data, &config)
	if err != nil {
		return nil, pkgerrors.Wrapf(ErrParsingFailure, "failed to decode config: %s", err)
	}

	return &config, nil
}

// ParseConfigValue is ParseConfig returning a ConfigValue.
func ParseConfigValue(data []byte, sourceHost string) (*ConfigValue, error) {
	config, err := ParseConfig(data, sourceHost)
	if err != nil {
		return nil, err
	}

	return &ConfigValue{
		Config:     config,
		SourceHost: sourceHost,
	}, nil
}
