package output

import "go.opentelemetry.io/contrib/bridges/otelslog"

const scopeName = "github.com/koscakluka/ema-calls/core/output"

var logger = otelslog.NewLogger(scopeName)
