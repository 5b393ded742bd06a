package utils

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// ReadJSONFromFile decodes the JSON file at path into out.
func ReadJSONFromFile(path string, out interface{}) error {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "cannot open %q", path)
	}
	var result error
	if err := json.NewDecoder(f).Decode(out); err != nil {
		result = errors.Wrapf(err, "cannot parse %q as json", path)
	}
	return multierr.Combine(result, f.Close())
}

// WriteJSONToFile encodes in as canonically indented JSON at path.
func WriteJSONToFile(path string, in interface{}) (err error) {
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "cannot create %q", path)
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(in)
}
