package testutil

import "errors"

// ErrSimulated: sentinel ошибка для проверки путей обработки ошибок.
var ErrSimulated = errors.New("simulated failure")
