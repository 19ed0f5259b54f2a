package cli

import (
	"fmt"
	"io"
	"sync"

	"github.com/andi/xmlconv/backend/models"
	"github.com/fatih/color"
)

// consolePublisher prints job events for the convert command
type consolePublisher struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *consolePublisher) PublishState(job *models.ConversionJob) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s %s\n", color.BlueString("[%s]", job.State), job.StoredName)
}

func (p *consolePublisher) PublishOutput(job *models.ConversionJob, stream, line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if stream == "stderr" {
		fmt.Fprintf(p.out, "%s %s\n", color.RedString("stderr"), line)
		return
	}
	fmt.Fprintf(p.out, "%s %s\n", color.HiBlackString("stdout"), line)
}
