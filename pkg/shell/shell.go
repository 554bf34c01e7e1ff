// SPDX-FileCopyrightText: 2026 Crystal contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package shell is the minimal REPL behind the --shell flag.
package shell

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/crystal-archiver/crystal/pkg/download"
	"github.com/crystal-archiver/crystal/pkg/project"
)

// Shell is an interactive line interpreter bound to an open project.
type Shell struct {
	project *project.Project
	in      io.Reader
	out     io.Writer
}

// New creates a shell reading commands from in and printing to out.
func New(p *project.Project, in io.Reader, out io.Writer) *Shell {
	return &Shell{project: p, in: in, out: out}
}

// Run reads and executes commands until EOF or quit.
func (s *Shell) Run() error {
	fmt.Fprintln(s.out, "crystal shell — `help` lists commands, `quit` exits")
	scanner := bufio.NewScanner(s.in)
	for {
		fmt.Fprint(s.out, "crystal> ")
		if !scanner.Scan() {
			fmt.Fprintln(s.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmd, args := fields[0], fields[1:]
		if cmd == "quit" || cmd == "exit" {
			return nil
		}
		if err := s.execute(cmd, args); err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
	}
}

func (s *Shell) execute(cmd string, args []string) error {
	switch cmd {
	case "help":
		fmt.Fprintln(s.out, "commands: ls, roots, groups, download <url>, quit")
	case "ls":
		for _, r := range s.project.Resources() {
			fmt.Fprintf(s.out, "%8d  %s\n", r.ID(), r.URL())
		}
	case "roots":
		for _, rr := range s.project.RootResources() {
			fmt.Fprintf(s.out, "%8d  %-20q %s\n", rr.ID(), rr.Name(), rr.Resource().URL())
		}
	case "groups":
		for _, g := range s.project.ResourceGroups() {
			fmt.Fprintf(s.out, "%8d  %-20q %s (%d members)\n",
				g.ID(), g.Name(), g.URLPattern(), len(g.Members()))
		}
	case "download":
		if len(args) != 1 {
			return fmt.Errorf("usage: download <url>")
		}
		return s.download(args[0])
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func (s *Shell) download(url string) error {
	r, err := s.project.CreateResource(url)
	if err != nil {
		return err
	}
	t := download.NewDownloadResource(s.project, r, nil)
	if err := s.project.AddTopLevelTask(t.Container); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	value, err := t.Future().Wait(ctx)
	if err != nil {
		return err
	}
	if rev, ok := value.(*project.ResourceRevision); ok && rev != nil {
		if rev.Err() != nil {
			fmt.Fprintf(s.out, "stored error revision %d: %v\n", rev.ID(), rev.Err())
		} else {
			fmt.Fprintf(s.out, "stored revision %d (HTTP %d)\n", rev.ID(), rev.StatusCode())
		}
	}
	return nil
}
