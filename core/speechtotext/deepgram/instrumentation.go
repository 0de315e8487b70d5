package deepgram

import "go.opentelemetry.io/contrib/bridges/otelslog"

const scopeName = "github.com/koscakluka/ema-calls/core/speechtotext/deepgram"

var logger = otelslog.NewLogger(scopeName)
