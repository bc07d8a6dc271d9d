package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/Iwinswap/iwinswap-mev-engine/cmd/engine/config"
	"github.com/Iwinswap/iwinswap-mev-engine/market"
	"github.com/Iwinswap/iwinswap-mev-engine/protocols/token"
	"github.com/Iwinswap/iwinswap-mev-engine/storage/sqlite"
	"github.com/ethereum/go-ethereum/common"
)

// --- VISUAL CONSTANTS ---
const (
	Reset  = "\033[0m"
	Bold   = "\033[1m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Cyan   = "\033[36m"
	Gray   = "\033[37m"

	DefaultJournalRows = 20
	watchInterval      = time.Second
)

// header prints a styled section header
func header(title string) {
	fmt.Println("\n" + Bold + Cyan + ":: " + title + " ::" + Reset)
}

func main() {
	dbPath := flag.String("db", config.DefaultStoragePath, "Path to the engine database.")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.Open(ctx, *dbPath)
	if err != nil {
		fmt.Println(Red + "Failed to open database: " + err.Error() + Reset)
		os.Exit(1)
	}
	defer store.Close()

	fmt.Println(Green + "Opened " + *dbPath + Reset)
	runConsole(ctx, store)
}

// runConsole handles user input and display.
func runConsole(ctx context.Context, store *sqlite.Store) {
	reader := bufio.NewReader(os.Stdin)

	for {
		if ctx.Err() != nil {
			return
		}

		printMenu()

		fmt.Print(Bold + "Enter selection: " + Reset)
		input, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		if !handleCommand(ctx, strings.TrimSpace(input), store, reader) {
			return
		}

		fmt.Println("\n" + Gray + "[Press Enter to continue]" + Reset)
		reader.ReadString('\n')
	}
}

func printMenu() {
	fmt.Print("\033[H\033[2J") // Clear screen
	fmt.Println(Bold + "MEV ENGINE CONSOLE" + Reset)
	fmt.Println(Gray + "-----------------------------------" + Reset)
	fmt.Printf(" %s1.%s Bundle Outcome Summary\n", Cyan, Reset)
	fmt.Printf(" %s2.%s Recent Bundles\n", Cyan, Reset)
	fmt.Printf(" %s3.%s Tokens\n", Cyan, Reset)
	fmt.Printf(" %s4.%s Find Pool  %s(by Address)%s\n", Cyan, Reset, Gray, Reset)
	fmt.Printf(" %s5.%s Find Pools %s(by Token Address)%s\n", Cyan, Reset, Gray, Reset)
	fmt.Printf(" %s6.%s Watch Journal %s(Live Monitor)%s\n", Cyan, Reset, Gray, Reset)
	fmt.Println(Gray + "-----------------------------------" + Reset)
	fmt.Printf(" %sq.%s Quit\n", Red, Reset)
	fmt.Println("")
}

// handleCommand runs one menu entry; it returns false to leave the console.
func handleCommand(ctx context.Context, input string, store *sqlite.Store, reader *bufio.Reader) bool {
	var err error
	switch input {
	case "1":
		err = printSummary(ctx, store)
	case "2":
		err = printJournal(ctx, store, DefaultJournalRows)
	case "3":
		err = printTokens(ctx, store)
	case "4":
		err = findPool(ctx, store, reader)
	case "5":
		err = findPoolsByToken(ctx, store, reader)
	case "6":
		err = watchJournal(ctx, store, reader)
	case "q":
		fmt.Println(Yellow + "Exiting..." + Reset)
		return false
	default:
		fmt.Println(Red + "Unknown command." + Reset)
	}
	if err != nil {
		fmt.Printf(Red+"[ERROR] %v%s\n", err, Reset)
	}
	return true
}

// --- COMMAND HANDLERS ---

func printSummary(ctx context.Context, store *sqlite.Store) error {
	counts, err := store.Counts(ctx)
	if err != nil {
		return err
	}
	header("BUNDLE OUTCOMES")

	states := make([]string, 0, len(counts))
	total := 0
	for s, n := range counts {
		states = append(states, s)
		total += n
	}
	sort.Strings(states)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 4, ' ', 0)
	fmt.Fprintln(w, "STATE\tBUNDLES\t")
	fmt.Fprintln(w, "-----\t-------\t")
	for _, s := range states {
		fmt.Fprintf(w, "%s\t%d\t\n", colorState(s), counts[s])
	}
	w.Flush()

	fmt.Printf("\n%sTotal bundles: %d%s\n", Bold, total, Reset)
	return nil
}

func printJournal(ctx context.Context, store *sqlite.Store, limit int) error {
	entries, err := store.Journal(ctx, limit)
	if err != nil {
		return err
	}
	header(fmt.Sprintf("LAST %d BUNDLES", limit))
	if len(entries) == 0 {
		fmt.Println(Yellow + "[INFO] The journal is empty." + Reset)
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FINISHED\tSTATE\tTARGET\tINCLUDED\tATTEMPTS\tPROFIT\tTIP (wei)\tREASON\t")
	for _, e := range entries {
		included := "-"
		if e.IncludedIn > 0 {
			included = fmt.Sprintf("%d", e.IncludedIn)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%s\t%s\t%s\t\n",
			e.FinishedAt.Format("15:04:05"),
			colorState(e.State),
			e.TargetBlock,
			included,
			e.Attempts,
			e.Profit,
			e.PriorityFee,
			e.Reason,
		)
	}
	w.Flush()
	return nil
}

func printTokens(ctx context.Context, store *sqlite.Store) error {
	tokens, err := store.Tokens(ctx)
	if err != nil {
		return err
	}
	header("TOKENS")

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 4, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tDECIMALS\tADDRESS\t")
	for _, t := range tokens {
		fmt.Fprintf(w, "%s\t%d\t%s\t\n", symbol(t), t.Decimals, t.Address.Hex())
	}
	w.Flush()
	fmt.Printf("\n%sTokens: %d%s\n", Bold, len(tokens), Reset)
	return nil
}

func findPool(ctx context.Context, store *sqlite.Store, reader *bufio.Reader) error {
	fmt.Print("\n" + Bold + "[Find Pool] Enter Pool Address: " + Reset)
	addr, ok := readAddress(reader)
	if !ok {
		return nil
	}
	pools, err := store.Pools(ctx)
	if err != nil {
		return err
	}
	for _, sp := range pools {
		if sp.Pool.Address == addr {
			printPool(ctx, store, sp)
			return nil
		}
	}
	fmt.Println(Red + "[NOT FOUND] Pool is not tracked." + Reset)
	return nil
}

func findPoolsByToken(ctx context.Context, store *sqlite.Store, reader *bufio.Reader) error {
	fmt.Print("\n" + Bold + "[Find Pools] Enter Token Address: " + Reset)
	addr, ok := readAddress(reader)
	if !ok {
		return nil
	}
	tok, err := store.Token(ctx, addr)
	if err != nil {
		return err
	}
	pools, err := store.Pools(ctx)
	if err != nil {
		return err
	}

	header(fmt.Sprintf("POOLS FOR %s", symbol(tok)))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 4, ' ', 0)
	fmt.Fprintln(w, "VARIANT\tPOOL ADDRESS\tPAIRED WITH\tACTIVE\tBLOCK\t")
	found := 0
	for _, sp := range pools {
		p := sp.Pool
		if !p.HasToken(addr) {
			continue
		}
		other := p.Token0
		if other == addr {
			other = p.Token1
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t\n", p.Variant, p.Address.Hex(), tokenLabel(ctx, store, other), activeLabel(sp.Active), p.UpdatedAt.Number)
		found++
	}
	w.Flush()
	fmt.Printf("\n%sPools: %d%s\n", Bold, found, Reset)
	return nil
}

func watchJournal(ctx context.Context, store *sqlite.Store, reader *bufio.Reader) error {
	fmt.Println(Green + "Starting Live Watch... (Press 'Enter' to stop)" + Reset)

	stopCh := make(chan struct{})
	go func() {
		reader.ReadString('\n')
		close(stopCh)
	}()

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	var last time.Time
	for {
		select {
		case <-stopCh:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			entries, err := store.Journal(ctx, 1)
			if err != nil {
				return err
			}
			if len(entries) == 0 || !entries[0].FinishedAt.After(last) {
				continue
			}
			last = entries[0].FinishedAt

			fmt.Print("\033[H\033[2J")
			fmt.Println(Bold + "--- LIVE JOURNAL ---" + Reset)
			fmt.Println(Gray + "Press ENTER to return to menu." + Reset)
			if err := printJournal(ctx, store, DefaultJournalRows); err != nil {
				return err
			}
		}
	}
}

// --- HELPERS ---

func printPool(ctx context.Context, store *sqlite.Store, sp sqlite.StoredPool) {
	p := sp.Pool
	printField := func(key string, value any) {
		fmt.Printf("  %s%-15s%s %v\n", Gray, key+":", Reset, value)
	}

	header("POOL")
	printField("Address", p.Address.Hex())
	printField("Variant", fmt.Sprintf("%s%s%s", Cyan, p.Variant, Reset))
	printField("Token0", tokenLabel(ctx, store, p.Token0))
	printField("Token1", tokenLabel(ctx, store, p.Token1))
	printField("Active", activeLabel(sp.Active))
	printField("Stored At", p.UpdatedAt)

	switch p.Variant {
	case market.ConstantProduct:
		header("CONSTANT PRODUCT STATE")
		printField("Reserve0", p.V2.Reserve0)
		printField("Reserve1", p.V2.Reserve1)
		printField("Fee (bps)", p.V2.FeeBps)
	case market.ConcentratedLiquidity:
		header("CONCENTRATED LIQUIDITY STATE")
		printField("Liquidity", p.V3.Liquidity)
		printField("SqrtPriceX96", p.V3.SqrtPriceX96)
		printField("Current Tick", fmt.Sprintf("%s%d%s", Yellow, p.V3.Tick, Reset))
		printField("Known Ticks", len(p.V3.Ticks))
	case market.StableSwap:
		header("STABLE SWAP STATE")
		printField("Balance0", p.Stable.Balances[0])
		printField("Balance1", p.Stable.Balances[1])
		printField("A", p.Stable.A)
		printField("Fee", p.Stable.Fee)
	}
}

func readAddress(reader *bufio.Reader) (common.Address, bool) {
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return common.Address{}, false
	}
	if !common.IsHexAddress(input) {
		fmt.Println(Red + "[ERROR] Not a hex address." + Reset)
		return common.Address{}, false
	}
	return common.HexToAddress(input), true
}

func tokenLabel(ctx context.Context, store *sqlite.Store, addr common.Address) string {
	t, err := store.Token(ctx, addr)
	if err != nil {
		return addr.Hex()
	}
	return symbol(t)
}

func symbol(t token.TokenView) string {
	if t.Symbol == "" {
		return t.Address.Hex()[:10] + "..."
	}
	return t.Symbol
}

func activeLabel(active bool) string {
	if active {
		return Green + "yes" + Reset
	}
	return Red + "no" + Reset
}

func colorState(s string) string {
	switch s {
	case "included":
		return Green + s + Reset
	case "rejected", "expired":
		return Red + s + Reset
	default:
		return Yellow + s + Reset
	}
}
