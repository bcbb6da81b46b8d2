package vmlock

import "github.com/oakvm/heapcore/internal/fatal"

func installFatalHook(f func(msg string)) {
	fatal.Hook = f
}
