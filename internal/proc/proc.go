package proc

import "errors"

var ErrNoProcess = errors.New("process does not exist")
