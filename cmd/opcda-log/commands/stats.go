package commands

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/opc-classic/opcda-go/pkg/log"
	"github.com/opc-classic/opcda-go/pkg/status"
	"github.com/opc-classic/opcda-go/pkg/wire"
)

// Stats holds aggregate statistics about a log file.
type Stats struct {
	TotalEvents       int
	EventsByLayer     map[log.Layer]int
	EventsByCategory  map[log.Category]int
	EventsByDirection map[log.Direction]int
	Operations        map[wire.Operation]*OperationStats
	Connections       map[string]*ConnectionStats
	Errors            int
	TimeRange         struct {
		Start time.Time
		End   time.Time
	}
}

// OperationStats holds request statistics for one operation.
type OperationStats struct {
	Requests  int
	Responses int
	Failed    int
	Total     time.Duration
	Max       time.Duration
}

// Average returns the mean processing time of the timed responses.
func (o *OperationStats) Average() time.Duration {
	if o.Responses == 0 {
		return 0
	}
	return o.Total / time.Duration(o.Responses)
}

// ConnectionStats holds statistics for a single connection.
type ConnectionStats struct {
	FirstSeen     time.Time
	LastSeen      time.Time
	Events        int
	ServerName    string
	ClientName    string
	RemoteAddr    string
	Notifications int
}

// connOps correlates responses to the operation of their request.
type connOps map[string]map[uint32]wire.Operation

func (c connOps) request(connID string, id uint32, op wire.Operation) {
	m, ok := c[connID]
	if !ok {
		m = make(map[uint32]wire.Operation)
		c[connID] = m
	}
	m[id] = op
}

func (c connOps) response(connID string, id uint32) (wire.Operation, bool) {
	op, ok := c[connID][id]
	if ok {
		delete(c[connID], id)
	}
	return op, ok
}

// CollectStats reads the log file and aggregates its events.
func CollectStats(path string) (*Stats, error) {
	reader, err := log.NewReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	stats := &Stats{
		EventsByLayer:     make(map[log.Layer]int),
		EventsByCategory:  make(map[log.Category]int),
		EventsByDirection: make(map[log.Direction]int),
		Operations:        make(map[wire.Operation]*OperationStats),
		Connections:       make(map[string]*ConnectionStats),
	}
	pending := make(connOps)

	for event, err := range reader.All() {
		if err != nil {
			return nil, fmt.Errorf("failed to read event: %w", err)
		}

		stats.TotalEvents++
		stats.EventsByLayer[event.Layer]++
		stats.EventsByCategory[event.Category]++
		stats.EventsByDirection[event.Direction]++

		if stats.TimeRange.Start.IsZero() || event.Timestamp.Before(stats.TimeRange.Start) {
			stats.TimeRange.Start = event.Timestamp
		}
		if event.Timestamp.After(stats.TimeRange.End) {
			stats.TimeRange.End = event.Timestamp
		}

		conn, ok := stats.Connections[event.ConnectionID]
		if !ok {
			conn = &ConnectionStats{FirstSeen: event.Timestamp, LastSeen: event.Timestamp}
			stats.Connections[event.ConnectionID] = conn
		}
		conn.Events++
		if event.Timestamp.After(conn.LastSeen) {
			conn.LastSeen = event.Timestamp
		}
		if event.ServerName != "" {
			conn.ServerName = event.ServerName
		}
		if event.ClientName != "" {
			conn.ClientName = event.ClientName
		}
		if event.RemoteAddr != "" && conn.RemoteAddr == "" {
			conn.RemoteAddr = event.RemoteAddr
		}

		if msg := event.Message; msg != nil {
			switch msg.Type {
			case log.MessageTypeRequest:
				if msg.Operation != nil {
					stats.operation(*msg.Operation).Requests++
					pending.request(event.ConnectionID, msg.MessageID, *msg.Operation)
				}
			case log.MessageTypeResponse:
				op, ok := pending.response(event.ConnectionID, msg.MessageID)
				if !ok {
					break
				}
				o := stats.operation(op)
				if msg.Status != nil && msg.Status.Severity() == status.SeverityBad {
					o.Failed++
				}
				if msg.ProcessingTime != nil {
					o.Responses++
					o.Total += *msg.ProcessingTime
					o.Max = max(o.Max, *msg.ProcessingTime)
				}
			case log.MessageTypeNotification:
				conn.Notifications++
			}
		}

		if event.Error != nil {
			stats.Errors++
		}
	}
	return stats, nil
}

func (s *Stats) operation(op wire.Operation) *OperationStats {
	o, ok := s.Operations[op]
	if !ok {
		o = &OperationStats{}
		s.Operations[op] = o
	}
	return o
}

// RunStats analyzes the log file and prints statistics.
func RunStats(path string, w io.Writer) error {
	stats, err := CollectStats(path)
	if err != nil {
		return err
	}
	printStats(w, stats)
	return nil
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== DA Protocol Log Statistics ===")
	fmt.Fprintln(w)

	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.Format(time.RFC3339),
			stats.TimeRange.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Second))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Layer:")
	for _, layer := range []log.Layer{log.LayerTransport, log.LayerWire, log.LayerService} {
		if count := stats.EventsByLayer[layer]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", layer.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{log.CategoryMessage, log.CategoryState, log.CategoryError} {
		if count := stats.EventsByCategory[cat]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", cat.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Direction:")
	for _, dir := range []log.Direction{log.DirectionIn, log.DirectionOut} {
		if count := stats.EventsByDirection[dir]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", dir.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	if len(stats.Operations) > 0 {
		ops := make([]wire.Operation, 0, len(stats.Operations))
		for op := range stats.Operations {
			ops = append(ops, op)
		}
		sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })

		fmt.Fprintln(w, "Operations:")
		for _, op := range ops {
			o := stats.Operations[op]
			fmt.Fprintf(w, "  %-14s %5d requests", op.String()+":", o.Requests)
			if o.Failed > 0 {
				fmt.Fprintf(w, ", %d failed", o.Failed)
			}
			if o.Responses > 0 {
				fmt.Fprintf(w, ", avg %s, max %s", formatDuration(o.Average()), formatDuration(o.Max))
			}
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Connections: %d\n", len(stats.Connections))
	if len(stats.Connections) > 0 {
		type connInfo struct {
			id    string
			stats *ConnectionStats
		}
		conns := make([]connInfo, 0, len(stats.Connections))
		for id, cs := range stats.Connections {
			conns = append(conns, connInfo{id, cs})
		}
		sort.Slice(conns, func(i, j int) bool {
			return conns[i].stats.FirstSeen.Before(conns[j].stats.FirstSeen)
		})

		fmt.Fprintln(w)
		for _, c := range conns {
			duration := c.stats.LastSeen.Sub(c.stats.FirstSeen).Round(time.Millisecond)
			fmt.Fprintf(w, "  [%s] %d events, duration %s\n", shortenConnID(c.id), c.stats.Events, duration)
			if c.stats.RemoteAddr != "" {
				fmt.Fprintf(w, "           Peer: %s\n", c.stats.RemoteAddr)
			}
			if c.stats.ServerName != "" {
				fmt.Fprintf(w, "           Server: %s\n", c.stats.ServerName)
			}
			if c.stats.ClientName != "" {
				fmt.Fprintf(w, "           Client: %s\n", c.stats.ClientName)
			}
			if c.stats.Notifications > 0 {
				fmt.Fprintf(w, "           Notifications: %d\n", c.stats.Notifications)
			}
		}
	}

	if stats.Errors > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", stats.Errors)
	}
}
