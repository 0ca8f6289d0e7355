package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sync/errgroup"

	"github.com/fortiblox/x86vm/internal/types"
	"github.com/fortiblox/x86vm/pkg/blobstore"
	"github.com/fortiblox/x86vm/pkg/contract"
	"github.com/fortiblox/x86vm/pkg/receipts"
	"github.com/fortiblox/x86vm/pkg/x86vm"
)

var (
	runCommand = &cli.Command{
		Action:    runContract,
		Name:      "run",
		Usage:     "Execute a contract blob",
		ArgsUsage: "[FILE]",
		Flags:     []cli.Flag{gasFlag, heightFlag, timeFlag, debugPrintFlag, hashFlag, recordFlag},
		Description: `Executes the blob in FILE (zstd-compressed if it ends in .zst), or the
archived blob named by --hash, and prints the result.`,
	}

	inspectCommand = &cli.Command{
		Action:    inspectBlob,
		Name:      "inspect",
		Usage:     "Show the layout of a contract blob",
		ArgsUsage: "FILE",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "disasm", Usage: "Disassemble the code segment"},
		},
	}

	deployCommand = &cli.Command{
		Action:    deployBlob,
		Name:      "deploy",
		Usage:     "Store a contract blob in the archive",
		ArgsUsage: "FILE",
	}

	verifyCommand = &cli.Command{
		Action:    verifyBlob,
		Name:      "verify",
		Usage:     "Re-execute a blob and check that every run agrees",
		ArgsUsage: "[FILE]",
		Flags: []cli.Flag{
			gasFlag, heightFlag, timeFlag, hashFlag,
			&cli.IntFlag{Name: "runs", Usage: "Number of executions", Value: 8},
			&cli.IntFlag{Name: "parallel", Usage: "Concurrent executions", Value: 4},
		},
	}
)

// errMismatch is returned by verify when runs disagree.
var errMismatch = errors.New("non-deterministic execution")

// checkEngine fails commands whose contract code could not run because the
// binary was built without an execution engine.
func checkEngine(res *x86vm.Result) error {
	if errors.Is(res.Cause(), x86vm.ErrEngineUnavailable) {
		return fmt.Errorf("cannot execute contract code: %w (engine %q; build with -tags unicorn)",
			x86vm.ErrEngineUnavailable, x86vm.EngineName())
	}
	return nil
}

func environment(ctx *cli.Context) *x86vm.Environment {
	return &x86vm.Environment{
		BlockNumber: uint32(ctx.Uint(heightFlag.Name)),
		BlockTime:   uint32(ctx.Uint(timeFlag.Name)),
	}
}

// loadBlob reads the blob from the FILE argument or from the archive.
func loadBlob(ctx *cli.Context, cfg x86vmConfig) ([]byte, error) {
	if ctx.IsSet(hashFlag.Name) {
		key, err := types.HashFromBase58(ctx.String(hashFlag.Name))
		if err != nil {
			return nil, err
		}
		store, err := blobstore.Open(blobstore.DefaultConfig(cfg.blobsPath()))
		if err != nil {
			return nil, err
		}
		defer store.Close()
		return store.Get(key)
	}
	if ctx.NArg() != 1 {
		return nil, fmt.Errorf("expected one FILE argument")
	}
	return contract.ReadFile(ctx.Args().First())
}

func runContract(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	blob, err := loadBlob(ctx, cfg)
	if err != nil {
		return err
	}

	env := environment(ctx)
	ex := x86vm.NewExecutor(x86vm.Config{DebugPrint: cfg.VM.DebugPrint})
	res := ex.Execute(blob, env, cfg.VM.GasLimit)
	if err := checkEngine(res); err != nil {
		return err
	}
	printResult(ctx.App.Writer, res)

	if ctx.Bool(recordFlag.Name) {
		journal, err := receipts.Open(receipts.Config{Path: cfg.receiptsPath(), NoSync: cfg.Store.NoSync})
		if err != nil {
			return err
		}
		defer journal.Close()
		if err := journal.Put(receipts.NewReceipt(blob, *env, cfg.VM.GasLimit, res)); err != nil {
			return err
		}
	}

	if !res.Success() {
		return cli.Exit("", 1)
	}
	return nil
}

func printResult(w io.Writer, res *x86vm.Result) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Field", "Value"})
	table.Append([]string{"status", res.Status.String()})
	table.Append([]string{"state", res.State.String()})
	table.Append([]string{"gas used", fmt.Sprint(res.UsedGas)})
	table.Append([]string{"memory", res.MemoryDigest.String()})
	if cause := res.Cause(); cause != nil {
		table.Append([]string{"error", cause.Error()})
	}
	for r := x86vm.EAX; r < x86vm.NumRegisters; r++ {
		table.Append([]string{r.String(), fmt.Sprintf("0x%08x", res.Registers[r])})
	}
	table.Render()

	for _, msg := range res.Messages {
		fmt.Fprintf(w, "> %s\n", msg)
	}
}

func inspectBlob(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("expected one FILE argument")
	}
	blob, err := contract.ReadFile(ctx.Args().First())
	if err != nil {
		return err
	}
	hdr, err := contract.DecodeHeader(blob)
	if err != nil {
		return err
	}

	w := ctx.App.Writer
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Field", "Value"})
	table.Append([]string{"size", fmt.Sprint(len(blob))})
	table.Append([]string{"optionsSize", fmt.Sprint(hdr.OptionsSize)})
	table.Append([]string{"codeSize", fmt.Sprint(hdr.CodeSize)})
	table.Append([]string{"dataSize", fmt.Sprint(hdr.DataSize)})
	table.Append([]string{"reserved", fmt.Sprintf("0x%08x", hdr.Reserved)})
	table.Append([]string{"hash", contract.Hash(blob).String()})
	c, parseErr := contract.Parse(blob)
	if parseErr != nil {
		table.Append([]string{"error", parseErr.Error()})
	}
	table.Render()

	regions := tablewriter.NewWriter(w)
	regions.SetHeader([]string{"Region", "Base", "Capacity", "Access", "Used"})
	layout := x86vm.DefaultLayout
	used := map[string]uint32{"code": hdr.CodeSize, "data": hdr.DataSize}
	for _, r := range []x86vm.Region{layout.Code, layout.Data, layout.Stack} {
		regions.Append([]string{
			r.Name,
			fmt.Sprintf("0x%08x", r.Base),
			fmt.Sprintf("0x%x", r.Size),
			r.Access.String(),
			fmt.Sprint(used[r.Name]),
		})
	}
	regions.Render()

	if ctx.Bool("disasm") && parseErr == nil {
		disassemble(w, c.Code)
	}
	return parseErr
}

func disassemble(w io.Writer, code []byte) {
	pc := x86vm.CodeAddress
	for len(code) > 0 {
		inst, err := x86asm.Decode(code, 32)
		if err != nil {
			fmt.Fprintf(w, "%08x  % x  (bad)\n", pc, code[:1])
			code = code[1:]
			pc++
			continue
		}
		fmt.Fprintf(w, "%08x  %-20x  %s\n", pc, code[:inst.Len], x86asm.IntelSyntax(inst, uint64(pc), nil))
		code = code[inst.Len:]
		pc += uint32(inst.Len)
	}
}

func deployBlob(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	if ctx.NArg() != 1 {
		return fmt.Errorf("expected one FILE argument")
	}
	blob, err := contract.ReadFile(ctx.Args().First())
	if err != nil {
		return err
	}

	store, err := blobstore.Open(blobstore.Config{Path: cfg.blobsPath(), SyncWrites: !cfg.Store.NoSync})
	if err != nil {
		return err
	}
	defer store.Close()

	key, err := store.Put(blob)
	if err != nil {
		return err
	}
	fmt.Fprintln(ctx.App.Writer, key)
	return nil
}

func verifyBlob(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	blob, err := loadBlob(ctx, cfg)
	if err != nil {
		return err
	}

	runs := ctx.Int("runs")
	if runs < 1 {
		return fmt.Errorf("--runs must be positive")
	}
	env := environment(ctx)
	results, err := executeRuns(blob, env, cfg.VM.GasLimit, runs, ctx.Int("parallel"))
	if err != nil {
		return err
	}
	if err := checkEngine(results[0]); err != nil {
		return err
	}

	recorded, err := loadReceipt(cfg.receiptsPath(), contract.Hash(blob), env.BlockNumber)
	if err != nil {
		return err
	}
	checked, err := compareRuns(results, recorded, cfg.VM.GasLimit, *env)
	if err != nil {
		return err
	}

	first := results[0]
	fmt.Fprintf(ctx.App.Writer, "%d runs agree: status=%s gas=%d memory=%s\n",
		runs, first.Status, first.UsedGas, first.MemoryDigest)
	switch {
	case checked:
		fmt.Fprintln(ctx.App.Writer, "matches recorded receipt")
	case recorded != nil:
		fmt.Fprintf(ctx.App.Writer, "recorded receipt used different inputs (gas=%d time=%d), not compared\n",
			recorded.GasLimit, recorded.BlockTime)
	}
	return nil
}

// loadReceipt returns the recorded receipt for the blob at block, or nil if
// there is none. A missing journal is not created.
func loadReceipt(path string, blobHash types.Hash, block uint32) (*receipts.Receipt, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	journal, err := receipts.Open(receipts.Config{Path: path})
	if err != nil {
		return nil, err
	}
	defer journal.Close()

	r, err := journal.Get(blobHash, block)
	if errors.Is(err, receipts.ErrReceiptNotFound) {
		return nil, nil
	}
	return r, err
}

// executeRuns executes blob runs times with at most parallel concurrent
// executions. Every run gets its own copy of env.
func executeRuns(blob []byte, env *x86vm.Environment, gasLimit uint64, runs, parallel int) ([]*x86vm.Result, error) {
	ex := x86vm.NewExecutor(x86vm.Config{})
	results := make([]*x86vm.Result, runs)

	var g errgroup.Group
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for i := range results {
		i := i
		g.Go(func() error {
			e := *env
			results[i] = ex.Execute(blob, &e, gasLimit)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// compareRuns checks that all results agree and, when recorded was made with
// the same gas limit and environment, that they match it. It reports whether
// the receipt was compared.
func compareRuns(results []*x86vm.Result, recorded *receipts.Receipt, gasLimit uint64, env x86vm.Environment) (bool, error) {
	first := results[0]
	for i, res := range results[1:] {
		if res.Status != first.Status || res.UsedGas != first.UsedGas || res.MemoryDigest != first.MemoryDigest {
			return false, fmt.Errorf("%w: run %d: status=%s gas=%d, run 0: status=%s gas=%d",
				errMismatch, i+1, res.Status, res.UsedGas, first.Status, first.UsedGas)
		}
	}
	if recorded == nil || !recorded.SameInputs(gasLimit, env) {
		return false, nil
	}
	if !recorded.Matches(first) {
		return true, fmt.Errorf("%w: receipt recorded status=%s gas=%d, got status=%s gas=%d",
			errMismatch, recorded.Status, recorded.UsedGas, first.Status, first.UsedGas)
	}
	return true, nil
}
