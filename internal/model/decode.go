// Copyright 2026 The Porpulsion Authors
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DecodeSpec parses a RemoteApp spec from JSON, rejecting unknown
// fields and then running field-level Validate.
func DecodeSpec(raw []byte) (RemoteAppSpec, error) {
	var spec RemoteAppSpec
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return RemoteAppSpec{}, fmt.Errorf("decode spec: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return RemoteAppSpec{}, err
	}
	return spec, nil
}
