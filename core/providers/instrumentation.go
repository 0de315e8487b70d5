package providers

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

const scopeName = "github.com/koscakluka/ema-calls/core/providers"

var logger = otelslog.NewLogger(scopeName)
