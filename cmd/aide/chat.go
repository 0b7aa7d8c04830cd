package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/aide-dev/aide/internal/config"
	"github.com/aide-dev/aide/internal/protocol"
	"github.com/aide-dev/aide/internal/render"
)

func chatCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start or resume an interactive session",
		Long: `Chat with the executor. Describe what you want done; aide asks
clarifying questions, proposes a plan and runs it step by step.

In-chat commands:
  ok              acknowledge the presented plan
  /run <cmd...>   run a one-off command in the session sandbox
  /cancel         cancel the session
  /quit           detach (the session is parked and can be resumed)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionID == "" {
				sessionID = config.Env().SessionID
			}
			return runChat(sessionID)
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Resume an existing session id")
	return cmd
}

// chat holds the client side of one front-end connection.
type chat struct {
	enc *protocol.Encoder
	r   *render.Renderer

	mu        sync.Mutex
	sessionID string
	lastCmdID string
}

func (c *chat) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func runChat(sessionID string) error {
	conn, err := dialExecutor()
	if err != nil {
		return err
	}
	defer conn.Close()

	c := &chat{
		enc:       protocol.NewEncoder(conn),
		r:         render.New(pretty),
		sessionID: sessionID,
	}
	dec := protocol.NewDecoder(conn)

	// Resuming: re-attach before saying anything.
	if sessionID != "" {
		if err := c.enc.Send(protocol.MsgUserInput, "", &protocol.UserInputPayload{SessionID: sessionID}); err != nil {
			return err
		}
	}

	over := make(chan struct{})
	go c.receive(dec, over)

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if interactive && sessionID == "" {
		fmt.Println("What should I work on?")
	}

	return c.inputLoop(os.Stdin, over, interactive)
}

// inputLoop feeds typed lines to the session until it ends or input runs
// out. Reading happens in its own goroutine so a finished session is
// noticed immediately instead of after one more line of input.
func (c *chat) inputLoop(in io.Reader, over <-chan struct{}, interactive bool) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-over:
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		if interactive {
			fmt.Print("> ")
		}
		select {
		case <-over:
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-readErr // EOF detaches; the session parks
			}
			if line == "" {
				continue
			}
			quit, err := c.handleLine(line)
			if err != nil {
				return err
			}
			if quit {
				return nil
			}
		}
	}
}

// handleLine turns one typed line into protocol traffic.
func (c *chat) handleLine(line string) (quit bool, err error) {
	switch {
	case line == "/quit":
		if sid := c.session(); sid != "" {
			fmt.Printf("Detached. Resume with: aide chat -s %s\n", sid)
		}
		return true, nil

	case line == "/cancel":
		return false, c.enc.Send(protocol.MsgUserInput, "", &protocol.UserInputPayload{
			SessionID: c.session(),
			Cancel:    true,
		})

	case strings.HasPrefix(line, "/run "):
		argv := strings.Fields(strings.TrimPrefix(line, "/run "))
		if len(argv) == 0 {
			return false, nil
		}
		cmdID := uuid.NewString()
		c.mu.Lock()
		c.lastCmdID = cmdID
		c.mu.Unlock()
		return false, c.enc.Send(protocol.MsgCommandRequest, cmdID, &protocol.CommandRequestPayload{
			SessionID: c.session(),
			CommandID: cmdID,
			Argv:      argv,
		})

	case line == "/stop":
		c.mu.Lock()
		cmdID := c.lastCmdID
		c.mu.Unlock()
		if cmdID == "" {
			return false, nil
		}
		return false, c.enc.Send(protocol.MsgCommandRequest, cmdID, &protocol.CommandRequestPayload{
			SessionID: c.session(),
			CommandID: cmdID,
			Cancel:    true,
		})

	case strings.EqualFold(line, "ok") || strings.EqualFold(line, "yes"):
		return false, c.enc.Send(protocol.MsgUserInput, "", &protocol.UserInputPayload{
			SessionID: c.session(),
			Ack:       true,
		})

	default:
		return false, c.enc.Send(protocol.MsgUserInput, "", &protocol.UserInputPayload{
			SessionID: c.session(),
			ProjectID: config.Env().Project,
			UserID:    config.Env().UserID,
			Text:      line,
		})
	}
}

// receive prints executor traffic until the session ends or the connection
// drops. Closes over when no more input makes sense.
func (c *chat) receive(dec *protocol.Decoder, over chan struct{}) {
	defer close(over)

	for {
		env, err := dec.Decode()
		if err != nil {
			if protocol.IsMalformed(err) {
				fmt.Fprintf(os.Stderr, "skipping malformed frame: %v\n", err)
				continue
			}
			return
		}

		switch env.Type {
		case protocol.MsgAssistantOutput:
			if p, err := env.AsAssistantOutput(); err == nil {
				fmt.Print(c.r.Assistant(p))
			}

		case protocol.MsgCommandOutputChunk:
			if p, err := env.AsCommandOutputChunk(); err == nil {
				c.mu.Lock()
				c.lastCmdID = p.CommandID
				c.mu.Unlock()
				fmt.Print(c.r.Chunk(p))
			}

		case protocol.MsgCommandResult:
			if p, err := env.AsCommandResult(); err == nil {
				fmt.Print(c.r.Result(p))
			}

		case protocol.MsgSessionEvent:
			p, err := env.AsSessionEvent()
			if err != nil {
				continue
			}
			c.mu.Lock()
			if c.sessionID == "" {
				c.sessionID = p.SessionID
			}
			c.mu.Unlock()
			fmt.Print(c.r.Event(p))
			if p.Event == "phase_changed" && terminalPhase(p.Phase) {
				return
			}

		case protocol.MsgError:
			if p, err := env.AsError(); err == nil {
				fmt.Print(c.r.Error(p))
				if p.Fatal {
					return
				}
			}
		}
	}
}

func terminalPhase(phase string) bool {
	switch phase {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}
