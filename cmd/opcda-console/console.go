package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opc-classic/opcda-go/pkg/da"
	"github.com/opc-classic/opcda-go/pkg/model"
	"github.com/opc-classic/opcda-go/pkg/status"
)

// errQuit is returned by Execute for the quit command.
var errQuit = errors.New("quit")

// Console executes console commands against one server session.
type Console struct {
	newBackend func() da.Backend
	timeout    time.Duration
	logger     *slog.Logger

	outMu sync.Mutex
	out   io.Writer

	srv     *da.Server
	closer  io.Closer
	browser *da.Browser
	cwd     string
	groups  map[string]*da.Group
	current string
	nextTx  uint32
}

// NewConsole creates a console writing to out. newBackend is called on
// every connect.
func NewConsole(out io.Writer, newBackend func() da.Backend, timeout time.Duration, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{
		newBackend: newBackend,
		timeout:    timeout,
		logger:     logger,
		out:        out,
		groups:     make(map[string]*da.Group),
	}
}

func (c *Console) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// Execute runs one command line.
func (c *Console) Execute(ctx context.Context, line string) error {
	args := splitArgs(line)
	if len(args) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(args[0]), args[1:]

	switch cmd {
	case "help", "?":
		c.printHelp()
		return nil
	case "quit", "exit", "q":
		return errQuit
	case "connect":
		return c.cmdConnect(ctx, args)
	}

	if c.srv == nil {
		return errors.New("not connected (use: connect <prog-id> [host])")
	}

	switch cmd {
	case "disconnect":
		return c.Disconnect(ctx)
	case "status":
		return c.cmdStatus(ctx)
	case "ls", "browse":
		return c.cmdBrowse(ctx, args)
	case "cd":
		return c.cmdCd(ctx, args)
	case "pwd":
		c.printf("/%s\n", c.cwd)
		return nil
	case "props":
		return c.cmdProps(ctx, args)
	case "group":
		return c.cmdGroup(ctx, args)
	case "use":
		return c.cmdUse(args)
	case "add":
		return c.cmdAdd(ctx, args)
	case "remove", "rm":
		return c.cmdRemove(ctx, args)
	case "items":
		return c.cmdItems()
	case "read", "r":
		return c.cmdRead(ctx, args)
	case "write", "w":
		return c.cmdWrite(ctx, args)
	case "subscribe", "sub":
		return c.cmdSubscribe(ctx, true)
	case "unsubscribe", "unsub":
		return c.cmdSubscribe(ctx, false)
	case "refresh":
		return c.cmdRefresh(ctx, args)
	case "enable":
		return c.cmdEnable(args)
	case "aread":
		return c.cmdReadAsync(ctx, args)
	case "awrite":
		return c.cmdWriteAsync(ctx, args)
	case "cancel":
		return c.cmdCancel(args)
	default:
		return fmt.Errorf("unknown command: %s (type 'help' for commands)", cmd)
	}
}

func (c *Console) printHelp() {
	c.printf(`
DA Console Commands:
  Session:
    connect <prog-id> [host]   - Connect to a server (host defaults to localhost)
    disconnect                 - Release groups and disconnect
    status                     - Show server status

  Address space:
    ls [branch]                - List the current or given branch
    cd <branch|..|/>           - Change the current branch
    props <item>               - Show item properties

  Groups:
    group add <name> [rate]    - Create an active group and select it
    group remove <name>        - Release a group
    group list                 - List groups
    group active <on|off>      - Activate or deactivate the current group
    group rate <duration>      - Change the update rate of the current group
    use <name>                 - Select a group
    add <item>...              - Add items to the current group
    rm <item>...               - Remove items from the current group
    items                      - List items of the current group

  Data:
    read [device] [item]...    - Read items (all when none given)
    write <item> <value>       - Write a value
    sub / unsub                - Start or stop printing data changes
    enable <on|off>            - Pause or resume printing data changes
    refresh [device]           - Resend all values to the subscription
    aread [device] [item]...   - Read in the background (needs sub)
    awrite <item> <value>      - Write in the background (needs sub)
    cancel <id>                - Cancel a background read or write

  quit                         - Exit
`)
}

// splitArgs splits on spaces; double quotes group words.
func splitArgs(line string) []string {
	var args []string
	var cur strings.Builder
	inQuote, have := false, false
	for _, r := range line {
		switch {
		case r == '"':
			inQuote = !inQuote
			have = true
		case (r == ' ' || r == '\t') && !inQuote:
			if have {
				args = append(args, cur.String())
				cur.Reset()
				have = false
			}
		default:
			cur.WriteRune(r)
			have = true
		}
	}
	if have {
		args = append(args, cur.String())
	}
	return args
}

// ---------------------------------------------------------------------------
// session
// ---------------------------------------------------------------------------

func (c *Console) cmdConnect(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: connect <prog-id> [host]")
	}
	host := "localhost"
	if len(args) == 2 {
		host = args[1]
	}
	return c.Connect(ctx, args[0], host)
}

// Connect opens a session, replacing the current one.
func (c *Console) Connect(ctx context.Context, progID, host string) error {
	if c.srv != nil {
		if err := c.Disconnect(ctx); err != nil {
			return err
		}
	}

	backend := c.newBackend()
	closer, _ := backend.(io.Closer)
	srv := da.NewServer(backend,
		da.WithLogger(c.logger),
		da.WithTimeout(c.timeout),
		da.WithClientName("opcda-console"))
	srv.OnShutdown(func(reason string) {
		c.printf("*** server shutting down: %s\n", reason)
	})
	if err := srv.Connect(ctx, progID, host); err != nil {
		if closer != nil {
			closer.Close()
		}
		return err
	}
	b, err := da.NewBrowser(srv, model.BrowseFilters{})
	if err != nil {
		_ = srv.Disconnect(ctx)
		if closer != nil {
			closer.Close()
		}
		return err
	}

	c.srv, c.closer, c.browser, c.cwd = srv, closer, b, ""
	c.printf("Connected to %s on %s\n", progID, host)
	return nil
}

// Disconnect releases every group and the browser, then disconnects.
func (c *Console) Disconnect(ctx context.Context) error {
	if c.srv == nil {
		return nil
	}
	for name, g := range c.groups {
		if err := g.Release(ctx); err != nil {
			c.logger.Warn("release group", "group", name, "error", err)
		}
		delete(c.groups, name)
	}
	c.current = ""
	c.browser.Release()
	c.browser = nil

	srv, closer := c.srv, c.closer
	c.srv, c.closer = nil, nil
	err := srv.Disconnect(ctx)
	if closer != nil {
		closer.Close()
	}
	if err != nil {
		return err
	}
	c.printf("Disconnected\n")
	return nil
}

// Close ends the current session, if any.
func (c *Console) Close() {
	_ = c.Disconnect(context.Background())
}

func (c *Console) cmdStatus(ctx context.Context) error {
	st, err := c.srv.Status(ctx)
	if err != nil {
		return err
	}
	c.printf("Server:       %s on %s\n", c.srv.Name(), c.srv.Host())
	c.printf("Vendor:       %s\n", st.VendorInfo)
	c.printf("Version:      %s\n", st.Version())
	c.printf("State:        %s\n", st.State)
	c.printf("Start time:   %s\n", st.StartTime.Format(time.RFC3339))
	c.printf("Current time: %s\n", st.CurrentTime.Format(time.RFC3339))
	c.printf("Groups:       %d\n", st.GroupCount)
	return nil
}

// ---------------------------------------------------------------------------
// address space
// ---------------------------------------------------------------------------

// resolve turns a branch argument into an item ID relative to cwd.
func (c *Console) resolve(arg string) string {
	switch {
	case arg == "/" || arg == "":
		return ""
	case strings.HasPrefix(arg, "/"):
		return strings.TrimPrefix(arg, "/")
	case arg == "..":
		if i := strings.LastIndex(c.cwd, model.DefaultSeparator); i >= 0 {
			return c.cwd[:i]
		}
		return ""
	case c.cwd == "":
		return arg
	default:
		return c.cwd + model.DefaultSeparator + arg
	}
}

// list browses branch completely.
func (c *Console) list(ctx context.Context, branch string) ([]model.BrowseElement, error) {
	if err := c.browser.Browse(ctx, branch); err != nil {
		return nil, err
	}
	elements := c.browser.Elements()
	for c.browser.HasMoreElements() {
		if err := c.browser.BrowseNext(ctx); err != nil {
			return nil, err
		}
		elements = append(elements, c.browser.Elements()...)
	}
	return elements, nil
}

func (c *Console) cmdBrowse(ctx context.Context, args []string) error {
	branch := c.cwd
	if len(args) > 0 {
		branch = c.resolve(args[0])
	}
	elements, err := c.list(ctx, branch)
	if err != nil {
		return err
	}
	for _, el := range elements {
		switch {
		case el.IsItem:
			c.printf("  %-30s %s\n", el.Name, el.ItemID)
		default:
			c.printf("  %s/\n", el.Name)
		}
	}
	return nil
}

func (c *Console) cmdCd(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: cd <branch|..|/>")
	}
	target := c.resolve(args[0])
	if target != "" {
		if _, err := c.list(ctx, target); err != nil {
			return err
		}
	}
	c.cwd = target
	return nil
}

func (c *Console) cmdProps(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: props <item>")
	}
	id := c.itemID(args[0])
	props, err := c.browser.Properties(ctx, id)
	if err != nil {
		return err
	}
	c.printf("%s\n", id)
	for _, p := range props {
		c.printf("  %4d %-28s %s\n", p.ID, p.Description, p.ValueText())
	}
	return nil
}

// itemID qualifies a bare item name with the current branch unless it
// already contains a separator.
func (c *Console) itemID(arg string) string {
	if strings.HasPrefix(arg, "/") {
		return strings.TrimPrefix(arg, "/")
	}
	if c.cwd == "" || strings.Contains(arg, model.DefaultSeparator) {
		return arg
	}
	return c.cwd + model.DefaultSeparator + arg
}

// ---------------------------------------------------------------------------
// groups
// ---------------------------------------------------------------------------

func (c *Console) group() (*da.Group, error) {
	g, ok := c.groups[c.current]
	if !ok {
		return nil, errors.New("no group selected (use: group add <name>)")
	}
	return g, nil
}

func (c *Console) cmdGroup(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: group add|remove|list|active|rate ...")
	}
	switch args[0] {
	case "add":
		if len(args) < 2 || len(args) > 3 {
			return errors.New("usage: group add <name> [rate]")
		}
		rate := time.Second
		if len(args) == 3 {
			d, err := time.ParseDuration(args[2])
			if err != nil {
				return fmt.Errorf("invalid rate: %w", err)
			}
			rate = d
		}
		return c.AddGroup(ctx, args[1], rate)

	case "remove":
		if len(args) != 2 {
			return errors.New("usage: group remove <name>")
		}
		g, ok := c.groups[args[1]]
		if !ok {
			return fmt.Errorf("no group %q", args[1])
		}
		delete(c.groups, args[1])
		if c.current == args[1] {
			c.current = ""
		}
		return g.Release(ctx)

	case "list":
		names := make([]string, 0, len(c.groups))
		for name := range c.groups {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			g := c.groups[name]
			marker := " "
			if name == c.current {
				marker = "*"
			}
			c.printf("%s %-20s active=%-5t rate=%-8s items=%d state=%s\n",
				marker, name, g.Active(), g.UpdateRate(), len(g.Items()), g.State())
		}
		return nil

	case "active":
		if len(args) != 2 || (args[1] != "on" && args[1] != "off") {
			return errors.New("usage: group active <on|off>")
		}
		g, err := c.group()
		if err != nil {
			return err
		}
		return g.SetActive(ctx, args[1] == "on")

	case "rate":
		if len(args) != 2 {
			return errors.New("usage: group rate <duration>")
		}
		g, err := c.group()
		if err != nil {
			return err
		}
		d, err := time.ParseDuration(args[1])
		if err != nil {
			return fmt.Errorf("invalid rate: %w", err)
		}
		revised, err := g.SetUpdateRate(ctx, d)
		if err != nil {
			return err
		}
		c.printf("Update rate: %s\n", revised)
		return nil

	default:
		return fmt.Errorf("unknown group command: %s", args[0])
	}
}

// AddGroup creates an active group and selects it.
func (c *Console) AddGroup(ctx context.Context, name string, rate time.Duration) error {
	if _, ok := c.groups[name]; ok {
		return fmt.Errorf("group %q already exists", name)
	}
	g, err := da.NewGroup(ctx, c.srv, name, da.GroupOptions{Active: true, UpdateRate: rate})
	if err != nil {
		return err
	}
	c.groups[name] = g
	c.current = name
	if g.UpdateRate() != rate {
		c.printf("Update rate revised to %s\n", g.UpdateRate())
	}
	return nil
}

func (c *Console) cmdUse(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: use <group>")
	}
	if _, ok := c.groups[args[0]]; !ok {
		return fmt.Errorf("no group %q", args[0])
	}
	c.current = args[0]
	return nil
}

// AddItems adds items to the current group and reports failures.
func (c *Console) AddItems(ctx context.Context, ids []string) error {
	g, err := c.group()
	if err != nil {
		return err
	}
	defs := da.NewItemDefinitions()
	for _, id := range ids {
		if err := defs.Add(c.itemID(id), 0); err != nil {
			c.printf("  %s: %v\n", id, err)
		}
	}
	res, err := g.AddItems(ctx, defs)
	if res == nil {
		return err
	}
	for _, it := range res.Added {
		c.printf("  + %s (%s, %s)\n", it.Name(), it.CanonicalType(), it.AccessRights().Text())
	}
	for _, f := range res.Failed {
		c.printf("  ! %s: %v\n", f.Definition.ItemID, f.Err)
	}
	return nil
}

func (c *Console) cmdAdd(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: add <item>...")
	}
	return c.AddItems(ctx, args)
}

// findItems maps names to items of g; no names selects all items.
func (c *Console) findItems(g *da.Group, names []string) ([]*da.Item, error) {
	items := g.Items()
	if len(names) == 0 {
		return items, nil
	}
	byName := make(map[string]*da.Item, len(items))
	for _, it := range items {
		byName[it.Name()] = it
	}
	out := make([]*da.Item, 0, len(names))
	for _, n := range names {
		it, ok := byName[c.itemID(n)]
		if !ok {
			it, ok = byName[n]
		}
		if !ok {
			return nil, fmt.Errorf("item %q is not in group %s", n, g.Name())
		}
		out = append(out, it)
	}
	return out, nil
}

func (c *Console) cmdRemove(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: rm <item>...")
	}
	g, err := c.group()
	if err != nil {
		return err
	}
	items, err := c.findItems(g, args)
	if err != nil {
		return err
	}
	return g.RemoveItems(ctx, items)
}

func (c *Console) cmdItems() error {
	g, err := c.group()
	if err != nil {
		return err
	}
	for _, it := range g.Items() {
		c.printf("  %-40s %-9s %-10s %s\n", it.Name(), it.CanonicalType(), it.AccessRights().Text(), it.LastRead())
	}
	return nil
}

// ---------------------------------------------------------------------------
// data
// ---------------------------------------------------------------------------

func (c *Console) cmdRead(ctx context.Context, args []string) error {
	g, err := c.group()
	if err != nil {
		return err
	}
	source := model.SourceCache
	if len(args) > 0 && args[0] == "device" {
		source = model.SourceDevice
		args = args[1:]
	}
	items, err := c.findItems(g, args)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return errors.New("group has no items")
	}
	readErr := g.ReadFrom(ctx, items, source)
	for _, it := range items {
		c.printf("  %-40s %s\n", it.Name(), it.LastRead())
	}
	return readErr
}

func (c *Console) cmdWrite(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: write <item> <value>")
	}
	g, err := c.group()
	if err != nil {
		return err
	}
	items, err := c.findItems(g, args[:1])
	if err != nil {
		return err
	}
	it := items[0]
	value, err := it.CanonicalType().Coerce(args[1])
	if err != nil {
		return fmt.Errorf("%s: %w", it.Name(), err)
	}
	it.SetWriteValue(value)
	writeErr := it.Write(ctx)
	c.printf("  %-40s %s\n", it.Name(), it.LastWriteResult())
	if errors.Is(writeErr, status.ErrOperation) {
		// the server refused the value; only connection failures are worth a retry
		it.ClearWriteValue()
	}
	return writeErr
}

func (c *Console) cmdRefresh(ctx context.Context, args []string) error {
	g, err := c.group()
	if err != nil {
		return err
	}
	source := model.SourceCache
	switch {
	case len(args) == 1 && args[0] == "device":
		source = model.SourceDevice
	case len(args) > 0:
		return errors.New("usage: refresh [device]")
	}
	return g.Refresh(ctx, source)
}

func (c *Console) cmdEnable(args []string) error {
	if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
		return errors.New("usage: enable <on|off>")
	}
	g, err := c.group()
	if err != nil {
		return err
	}
	return g.SetEnable(args[0] == "on")
}

func (c *Console) cmdReadAsync(ctx context.Context, args []string) error {
	g, err := c.group()
	if err != nil {
		return err
	}
	source := model.SourceCache
	if len(args) > 0 && args[0] == "device" {
		source = model.SourceDevice
		args = args[1:]
	}
	items, err := c.findItems(g, args)
	if err != nil {
		return err
	}
	c.nextTx++
	cancelID, err := g.ReadAsync(ctx, c.nextTx, items, source)
	if err != nil {
		return err
	}
	c.printf("read #%d started (cancel id %d)\n", c.nextTx, cancelID)
	return nil
}

func (c *Console) cmdWriteAsync(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: awrite <item> <value>")
	}
	g, err := c.group()
	if err != nil {
		return err
	}
	items, err := c.findItems(g, args[:1])
	if err != nil {
		return err
	}
	value, err := items[0].CanonicalType().Coerce(args[1])
	if err != nil {
		return fmt.Errorf("%s: %w", items[0].Name(), err)
	}
	items[0].SetWriteValue(value)
	c.nextTx++
	cancelID, err := g.WriteAsync(ctx, c.nextTx, items)
	if err != nil {
		return err
	}
	c.printf("write #%d started (cancel id %d)\n", c.nextTx, cancelID)
	return nil
}

func (c *Console) cmdCancel(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: cancel <id>")
	}
	id, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid cancel id %q", args[0])
	}
	g, err := c.group()
	if err != nil {
		return err
	}
	return g.Cancel(uint32(id))
}

func (c *Console) cmdSubscribe(ctx context.Context, on bool) error {
	g, err := c.group()
	if err != nil {
		return err
	}
	if !on {
		return g.SetDataSubscription(ctx, nil)
	}
	return g.SetDataSubscription(ctx, consoleObserver{c})
}

// consoleObserver prints data changes and async completions.
type consoleObserver struct{ c *Console }

func (o consoleObserver) DataChange(g *da.Group, changes []da.ItemChange) {
	o.c.printChanges(g, changes)
}

func (o consoleObserver) ReadComplete(g *da.Group, txID uint32, changes []da.ItemChange, err error) {
	for _, ch := range changes {
		o.c.printf("[%s] #%d %s = %s\n", g.Name(), txID, ch.Item.Name(), ch.ReadResult)
	}
	o.c.printf("[%s] read #%d done: %s\n", g.Name(), txID, status.Of(err))
}

func (o consoleObserver) WriteComplete(g *da.Group, txID uint32, results []da.ItemWriteResult, err error) {
	for _, r := range results {
		o.c.printf("[%s] #%d %s: %s\n", g.Name(), txID, r.Item.Name(), r.Result)
	}
	o.c.printf("[%s] write #%d done: %s\n", g.Name(), txID, status.Of(err))
}

func (o consoleObserver) CancelComplete(g *da.Group, txID uint32) {
	o.c.printf("[%s] #%d cancelled\n", g.Name(), txID)
}

func (c *Console) printChanges(g *da.Group, changes []da.ItemChange) {
	if len(changes) == 0 {
		c.printf("[%s] keep-alive\n", g.Name())
		return
	}
	for _, ch := range changes {
		c.printf("[%s] %s = %s\n", g.Name(), ch.Item.Name(), ch.ReadResult)
	}
}
