package monitor

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DecisionLogger writes one line per admission decision to a rotated log
// file, in tsv or ltsv format. It observes, it never influences decisions.
type DecisionLogger struct {
	sync.Mutex
	writer io.Writer
	format string
}

func NewDecisionLogger(writer io.Writer, format string) *DecisionLogger {
	if writer == nil {
		return nil
	}
	if format != "ltsv" {
		format = "tsv"
	}
	return &DecisionLogger{writer: writer, format: format}
}

func (logger *DecisionLogger) Log(request QueryRequest, decision QueryDecision) {
	if logger == nil {
		return
	}
	verdict := "allowed"
	if !decision.Allowed {
		verdict = "denied"
	}
	var line string
	if logger.format == "ltsv" {
		var sb strings.Builder
		sb.WriteString("time:")
		sb.WriteString(strconv.FormatInt(time.Now().Unix(), 10))
		sb.WriteString("\tserver:")
		sb.WriteString(request.Server.Key())
		sb.WriteString("\tguild:")
		sb.WriteString(request.GuildID)
		sb.WriteString("\tkind:")
		sb.WriteString(request.Kind.String())
		sb.WriteString("\tverdict:")
		sb.WriteString(verdict)
		sb.WriteString("\treason:")
		sb.WriteString(quoteField(decision.Reason))
		sb.WriteString("\ttrust:")
		sb.WriteString(strconv.FormatFloat(decision.TrustScore, 'f', 3, 64))
		sb.WriteByte('\n')
		line = sb.String()
	} else {
		line = fmt.Sprintf("[%s]\t%s\t%s\t%s\t%s\t%s\t%.3f\n",
			time.Now().Format("2006-01-02 15:04:05"),
			request.Server.Key(),
			request.GuildID,
			request.Kind.String(),
			verdict,
			quoteField(decision.Reason),
			decision.TrustScore,
		)
	}
	logger.Lock()
	logger.writer.Write([]byte(line))
	logger.Unlock()
}

func quoteField(str string) string {
	quoted := strconv.QuoteToGraphic(str)
	return quoted[1 : len(quoted)-1]
}
