// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package nfq

import (
	"grimm.is/nfregex/internal/errors"
)

// Dial returns an error on non-Linux systems.
func Dial() (Conn, error) {
	return nil, errors.New(errors.KindTransport, "nfqueue is only supported on Linux")
}
