package probe

import (
	"strconv"

	"github.com/rs/zerolog"
)

func itoa(v uint32) string { return strconv.FormatUint(uint64(v), 10) }

func testLogger() zerolog.Logger { return zerolog.Nop() }
