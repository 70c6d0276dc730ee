// Copyright 2021 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// This file implements the interactive prompt for ksmd testability.

package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/intel/ksm-engine/pkg/ksm"
	"github.com/intel/ksm-engine/pkg/ksm/host/mmaphost"
)

type cmd struct {
	description string
	run         func([]string) commandStatus
}

type commandStatus int

const (
	csOk commandStatus = iota
)

// Prompt is a minimal line-oriented command shell over an *ksm.Engine,
// in the shape of memtierd's own Prompt: a cmds map dispatched by the
// first whitespace-separated token, flags parsed per command.
type Prompt struct {
	r      *bufio.Reader
	w      *bufio.Writer
	f      *flag.FlagSet
	engine *ksm.Engine
	pages  map[string]*mmaphost.Page
	cmds   map[string]cmd
	ps1    string
	echo   bool
	quit   bool
}

func NewPrompt(ps1 string, r *bufio.Reader, w *bufio.Writer) *Prompt {
	p := &Prompt{
		r:     r,
		w:     w,
		ps1:   ps1,
		pages: make(map[string]*mmaphost.Page),
	}
	p.cmds = map[string]cmd{
		"q":      {"quit interactive prompt.", p.cmdQuit},
		"engine": {"start/stop the scanner, dump state.", p.cmdEngine},
		"config": {"get/set the engine's tunable configuration.", p.cmdConfig},
		"hash":   {"reseed the content hash (only while stopped).", p.cmdHash},
		"page":   {"alloc/write/rescan/destroy a tracked anonymous page.", p.cmdPage},
		"help":   {"print help.", p.cmdHelp},
		"nop":    {"no operation.", p.cmdNop},
	}
	return p
}

func (p *Prompt) SetEngine(e *ksm.Engine) { p.engine = e }
func (p *Prompt) SetEcho(echo bool)       { p.echo = echo }

func (p *Prompt) output(format string, a ...interface{}) {
	if p.w == nil {
		return
	}
	p.w.WriteString(fmt.Sprintf(format, a...))
	p.w.Flush()
}

func (p *Prompt) Interact() {
	for !p.quit {
		p.output(p.ps1)
		rawcmd, err := p.r.ReadString('\n')
		if err != nil {
			p.output("quit: %s\n", err)
			break
		}
		if p.echo {
			p.output("%s", rawcmd)
		}
		fields := strings.Fields(rawcmd)
		if len(fields) == 0 {
			continue
		}
		name := fields[0]
		p.f = flag.NewFlagSet(name, flag.ContinueOnError)
		c, ok := p.cmds[name]
		if !ok {
			p.output("unknown command %q\n", name)
			continue
		}
		c.run(fields[1:])
	}
	p.output("quit.\n")
}

func sortedCmdNames(m map[string]cmd) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (p *Prompt) cmdNop(args []string) commandStatus { return csOk }

func (p *Prompt) cmdHelp(args []string) commandStatus {
	p.output("Available commands:\n")
	for _, name := range sortedCmdNames(p.cmds) {
		p.output("        %-8s %s\n", name, p.cmds[name].description)
	}
	p.output("Syntax:\n        <command> -h shows help on command options.\n")
	return csOk
}

func (p *Prompt) cmdQuit(args []string) commandStatus {
	p.quit = true
	return csOk
}

func (p *Prompt) cmdEngine(args []string) commandStatus {
	start := p.f.Bool("start", false, "start the scanner")
	stop := p.f.Bool("stop", false, "stop the scanner (unmerges every stable page first)")
	dump := p.f.Bool("dump", false, "print a state snapshot")
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	if *start {
		if err := p.engine.Start(); err != nil {
			p.output("start failed: %v\n", err)
		}
	}
	if *stop {
		p.engine.Stop()
	}
	if *dump || (!*start && !*stop) {
		p.output("%s\n", p.engine.Dump())
	}
	return csOk
}

func (p *Prompt) cmdConfig(args []string) commandStatus {
	get := p.f.Bool("get", false, "print the current configuration as JSON")
	set := p.f.String("set", "", "apply a JSON-encoded configuration")
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	if *set != "" {
		if err := p.engine.SetConfigJson(*set); err != nil {
			p.output("configuration error: %v\n", err)
			return csOk
		}
		p.output("configuration applied\n")
	}
	if *get || *set == "" {
		p.output("%s\n", p.engine.GetConfigJson())
	}
	return csOk
}

func (p *Prompt) cmdHash(args []string) commandStatus {
	seed := p.f.Int64("reseed", 0, "reseed the sampled-word permutation table")
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	if err := p.engine.ReseedHash(*seed); err != nil {
		p.output("reseed failed: %v\n", err)
		return csOk
	}
	p.output("hash reseeded\n")
	return csOk
}

// cmdPage drives the mmaphost pages backing the daemon's own address
// space: enough to exercise intake/merge/unmerge interactively without
// a real client process attached.
func (p *Prompt) cmdPage(args []string) commandStatus {
	alloc := p.f.String("alloc", "", "allocate and track a new anonymous page named NAME")
	write := p.f.String("write", "", "write TEXT (space-joined remaining args) into page NAME")
	rescan := p.f.String("rescan", "", "mark page NAME for re-scan after a content change")
	destroy := p.f.String("destroy", "", "untrack and release page NAME")
	ls := p.f.Bool("ls", false, "list tracked pages")
	if err := p.f.Parse(args); err != nil {
		return csOk
	}
	if *alloc != "" {
		mp, err := mmaphost.NewPage(constPagesize)
		if err != nil {
			p.output("alloc failed: %v\n", err)
			return csOk
		}
		anon := mmaphost.NewIdentity(*alloc, mp)
		if err := p.engine.OnNewAnonymousPage(mp, anon); err != nil {
			p.output("tracking failed: %v\n", err)
			return csOk
		}
		p.pages[*alloc] = mp
		p.output("page %q allocated and tracked\n", *alloc)
	}
	if *write != "" {
		mp, ok := p.pages[*write]
		if !ok {
			p.output("no such page %q\n", *write)
			return csOk
		}
		text := strings.Join(p.f.Args(), " ")
		mp.Lock()
		copy(mp.ReadContent(), text)
		mp.Unlock()
		if err := p.engine.OnPageRescan(mp); err != nil {
			p.output("rescan after write failed: %v\n", err)
		}
	}
	if *rescan != "" {
		mp, ok := p.pages[*rescan]
		if !ok {
			p.output("no such page %q\n", *rescan)
			return csOk
		}
		if err := p.engine.OnPageRescan(mp); err != nil {
			p.output("rescan failed: %v\n", err)
		}
	}
	if *destroy != "" {
		mp, ok := p.pages[*destroy]
		if !ok {
			p.output("no such page %q\n", *destroy)
			return csOk
		}
		p.engine.OnPageDestroy(mp)
		delete(p.pages, *destroy)
		mp.Close()
	}
	if *ls {
		names := make([]string, 0, len(p.pages))
		for name := range p.pages {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			mp := p.pages[name]
			p.output("%s: ksm=%v mapcount=%d\n", name, mp.IsKSM(), mp.Mapcount())
		}
	}
	return csOk
}

var constPagesize = os.Getpagesize()
