// Copyright The dwarfcore Authors
// SPDX-License-Identifier: Apache-2.0

// dwarfdump inspects the DWARF debugging information of an ELF object:
// compilation units, named types and objects, and the call frame
// information row covering a program counter.
package main

import (
	"debug/dwarf"
	"flag"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/peterbourgon/ff/v3"

	"github.com/coreinspect/dwarfcore"
	"github.com/coreinspect/dwarfcore/dwcfi"
	"github.com/coreinspect/dwarfcore/dwdie"
	"github.com/coreinspect/dwarfcore/dwobject"
	"github.com/coreinspect/dwarfcore/dwtype"
	"github.com/coreinspect/dwarfcore/elfmodule"
	"github.com/coreinspect/dwarfcore/libdw"
	"github.com/coreinspect/dwarfcore/log"
)

const (
	moduleHelp   = "Path of the ELF object to inspect."
	biasHelp     = "Load bias to add to unbiased DWARF addresses."
	pcHelp       = "Dump the CFI row and scopes covering this program counter."
	typeHelp     = "Look up a type by (possibly qualified) name."
	kindHelp     = "Type kind for -type: struct, union, class, enum, typedef, int, bool, float."
	objectHelp   = "Look up a constant, function or variable by name."
	filenameHelp = "Restrict -type/-object matches to this declaration file."
	verboseHelp  = "Enable debug logging."
)

type arguments struct {
	module   string
	bias     uint64
	pc       uint64
	typeName string
	kind     string
	object   string
	filename string
	verbose  bool
}

func parseArgs() (*arguments, error) {
	var args arguments

	fs := flag.NewFlagSet("dwarfdump", flag.ExitOnError)
	fs.Uint64Var(&args.bias, "bias", 0, biasHelp)
	fs.StringVar(&args.filename, "filename", "", filenameHelp)
	fs.StringVar(&args.kind, "kind", "struct", kindHelp)
	fs.StringVar(&args.module, "module", "", moduleHelp)
	fs.StringVar(&args.object, "object", "", objectHelp)
	fs.Uint64Var(&args.pc, "pc", 0, pcHelp)
	fs.StringVar(&args.typeName, "type", "", typeHelp)
	fs.BoolVar(&args.verbose, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&args.verbose, "verbose", false, verboseHelp)
	fs.Usage = func() {
		fs.PrintDefaults()
	}

	return &args, ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("DWARFDUMP"))
}

var typeKinds = map[string]dwtype.Kind{
	"struct":  dwtype.KindStruct,
	"union":   dwtype.KindUnion,
	"class":   dwtype.KindClass,
	"enum":    dwtype.KindEnum,
	"typedef": dwtype.KindTypedef,
	"int":     dwtype.KindInt,
	"bool":    dwtype.KindBool,
	"float":   dwtype.KindFloat,
}

type program struct {
	plat *libdw.Platform
}

func (p *program) Platform() *libdw.Platform { return p.plat }

func (p *program) Memory() libdw.MemoryReader { return nil }

func main() {
	args, err := parseArgs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse args: %v\n", err)
		os.Exit(1)
	}
	if err = mainWithArgs(args); err != nil {
		fmt.Fprintf(os.Stderr, "dwarfdump: %v\n", err)
		os.Exit(1)
	}
}

func mainWithArgs(args *arguments) error {
	if args.verbose {
		log.SetLevel(slog.LevelDebug)
	}
	if args.module == "" {
		return fmt.Errorf("no module given, use -module")
	}

	mod, err := elfmodule.Open(args.module,
		elfmodule.WithBias(libdw.Address(args.bias)))
	if err != nil {
		return err
	}

	dies, err := dwdie.New(mod)
	if err != nil {
		return err
	}
	index, err := buildIndex(dies)
	if err != nil {
		return err
	}
	di := dwarfcore.New(&program{plat: mod.Platform()})
	m := di.AddModule(mod, index)

	switch {
	case args.typeName != "":
		return dumpType(di, args)
	case args.object != "":
		return dumpObject(di, args)
	case args.pc != 0:
		return dumpPC(di, m, libdw.Address(args.pc))
	}
	return dumpUnits(dies)
}

func dumpUnits(dies *dwdie.Module) error {
	for _, cu := range dies.Units() {
		die := dwdie.DIE{CU: cu, Entry: cu.Entry}
		fmt.Printf("unit %#x: %s (DWARF %d, language %#x)\n",
			uint64(cu.Offset), die.Name(), cu.Version, cu.Language)
	}
	return nil
}

func dumpType(di *dwarfcore.DebugInfo, args *arguments) error {
	kind, ok := typeKinds[args.kind]
	if !ok {
		return fmt.Errorf("unknown type kind %q", args.kind)
	}
	qt, err := di.FindType(kind, args.typeName, args.filename)
	if err != nil {
		return err
	}
	fmt.Println(describeType(qt))
	if qt.Type.Kind == dwtype.KindStruct || qt.Type.Kind == dwtype.KindUnion ||
		qt.Type.Kind == dwtype.KindClass {
		for _, member := range qt.Type.Members {
			mt, err := member.Type.Get()
			if err != nil {
				return err
			}
			fmt.Printf("  +%d.%d %s: %s\n", member.BitOffset/8,
				member.BitOffset%8, member.Name, describeType(mt))
		}
	}
	for _, e := range qt.Type.Enumerators {
		if e.Signed {
			fmt.Printf("  %s = %d\n", e.Name, int64(e.Value))
		} else {
			fmt.Printf("  %s = %d\n", e.Name, e.Value)
		}
	}
	return nil
}

func describeType(qt dwtype.QualifiedType) string {
	var sb strings.Builder
	if qt.Qualifiers&dwtype.QualifierConst != 0 {
		sb.WriteString("const ")
	}
	if qt.Qualifiers&dwtype.QualifierVolatile != 0 {
		sb.WriteString("volatile ")
	}
	t := qt.Type
	switch t.Kind {
	case dwtype.KindPointer:
		fmt.Fprintf(&sb, "*%s", describeType(t.Ref))
	case dwtype.KindArray:
		if t.HasLength {
			fmt.Fprintf(&sb, "[%d]%s", t.Length, describeType(t.Ref))
		} else {
			fmt.Fprintf(&sb, "[]%s", describeType(t.Ref))
		}
	case dwtype.KindStruct, dwtype.KindUnion, dwtype.KindClass, dwtype.KindEnum:
		name := t.Name
		if name == "" {
			name = "<anonymous>"
		}
		fmt.Fprintf(&sb, "%s %s (%d bytes)", t.Kind, name, t.Size)
	default:
		if t.Name != "" {
			sb.WriteString(t.Name)
		} else {
			sb.WriteString(t.Kind.String())
		}
	}
	return sb.String()
}

func dumpObject(di *dwarfcore.DebugInfo, args *arguments) error {
	obj, err := di.FindObject(args.object, args.filename, dwarfcore.FindObjectAny)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s", args.object, describeType(obj.Type))
	switch obj.Kind {
	case dwobject.KindAbsent:
		fmt.Printf(" (absent)")
	case dwobject.KindValue:
		if v, err := obj.Signed(); err == nil {
			fmt.Printf(" = %d", v)
		}
	default:
		fmt.Printf(" @ %#x", uint64(obj.Address))
	}
	fmt.Println()
	return nil
}

func dumpPC(di *dwarfcore.DebugInfo, m *dwarfcore.Module, pc libdw.Address) error {
	row, signal, retReg, err := m.FindCFI(pc)
	if err != nil {
		return err
	}
	fmt.Printf("pc %#x: CFA %s, return address in r%d", uint64(pc),
		formatRule(row.CFA), retReg)
	if signal {
		fmt.Printf(" (signal frame)")
	}
	fmt.Println()
	for _, regno := range row.Registers() {
		fmt.Printf("  r%d: %s\n", regno, formatRule(row.Register(regno)))
	}

	bias, scopes, err := m.FindScopes(pc)
	if err != nil {
		return err
	}
	fmt.Printf("scopes (bias %#x):\n", uint64(bias))
	for _, scope := range scopes {
		name := scope.Name()
		if name == "" {
			name = "<anonymous>"
		}
		fmt.Printf("  %v %s\n", scope.Tag(), name)
	}
	return nil
}

func formatRule(rule dwcfi.Rule) string {
	switch rule.Kind {
	case dwcfi.RuleSameValue:
		return fmt.Sprintf("r%d", rule.Reg)
	case dwcfi.RuleRegisterOffset:
		return fmt.Sprintf("r%d%+d", rule.Reg, rule.Offset)
	case dwcfi.RuleCFAOffset:
		return fmt.Sprintf("CFA%+d", rule.Offset)
	case dwcfi.RuleAtCFAOffset:
		return fmt.Sprintf("[CFA%+d]", rule.Offset)
	case dwcfi.RuleExpression:
		return fmt.Sprintf("expr(%d bytes)", len(rule.Expr))
	case dwcfi.RuleAtExpression:
		return fmt.Sprintf("[expr(%d bytes)]", len(rule.Expr))
	}
	return rule.Kind.String()
}

// buildIndex walks every named DIE of the module into a flat name index.
func buildIndex(dies *dwdie.Module) (libdw.Index, error) {
	ix := nameIndex{}
	cur := dwdie.NewCursor(dies)
	for {
		die, ok, err := cur.Next(true)
		if err != nil {
			return nil, err
		}
		if !ok {
			return ix, nil
		}
		if name := die.Name(); name != "" {
			ix[name] = append(ix[name], indexEntry{die.Tag(), die.Ref()})
		}
	}
}

type indexEntry struct {
	tag dwarf.Tag
	ref libdw.DIERef
}

type nameIndex map[string][]indexEntry

func (ix nameIndex) IterMatches(name string, tags []dwarf.Tag) iter.Seq[libdw.DIERef] {
	return func(yield func(libdw.DIERef) bool) {
		for _, e := range ix[name] {
			if slices.Contains(tags, e.tag) && !yield(e.ref) {
				return
			}
		}
	}
}

func (ix nameIndex) FindDefinition(libdw.DIERef) (libdw.DIERef, bool) {
	return libdw.DIERef{}, false
}
