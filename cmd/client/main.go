package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"time"

	"fenrir/internal/common"
	fenrirNet "fenrir/internal/net"

	"github.com/shopspring/decimal"
)

const maxReportSize = 1 << 20

func main() {
	serverAddr := flag.String("server", "127.0.0.1:9001", "Address of the exchange server")
	owner := flag.String("owner", "", "Owner reports are routed to (defaults to the connection)")
	action := flag.String("action", "place", "Action to perform: ['place', 'cancel', 'amend', 'book']")

	// Order parameters
	symbol := flag.String("symbol", "BTCUSDT", "Trading pair")
	sideStr := flag.String("side", "buy", "Order side: 'buy' or 'sell'")
	typeStr := flag.String("type", "limit", "Order type: market, limit, stop_loss, stop_limit, take_profit")
	tifStr := flag.String("tif", "GTC", "Time in force: GTC, IOC or FOK")
	price := flag.String("price", "", "Limit price")
	stopPrice := flag.String("stop", "", "Stop price")
	qtyStr := flag.String("qty", "1", "Quantity or comma-separated list (e.g. 0.1,0.2,0.5)")
	clientID := flag.String("cid", "", "Client order id")

	// Cancel and amend parameters
	orderID := flag.String("id", "", "Id of the order to cancel or amend")
	depth := flag.Uint("depth", 10, "Levels per side for 'book'")
	wait := flag.Duration("wait", 0, "Exit after this long (0 waits for Ctrl+C)")

	flag.Parse()

	conn, err := net.Dial("tcp", *serverAddr)
	if err != nil {
		log.Fatalf("Failed to connect to server at %s: %v", *serverAddr, err)
	}
	defer conn.Close()
	fmt.Printf("Connected to %s\n", *serverAddr)

	go readReports(conn)

	switch strings.ToLower(*action) {
	case "place":
		base := fenrirNet.NewOrderMessage{
			Symbol:        *symbol,
			Price:         optional(*price),
			StopPrice:     optional(*stopPrice),
			ClientOrderID: *clientID,
			Owner:         *owner,
		}
		if base.Side, err = common.ParseSide(*sideStr); err != nil {
			log.Fatal(err)
		}
		if base.Type, err = common.ParseOrderType(*typeStr); err != nil {
			log.Fatal(err)
		}
		if base.TimeInForce, err = common.ParseTimeInForce(*tifStr); err != nil {
			log.Fatal(err)
		}
		for _, q := range parseQuantities(*qtyStr) {
			m := base
			m.Quantity = q
			if err := fenrirNet.WriteMessage(conn, m); err != nil {
				log.Printf("Failed to place order (Qty: %s): %v", q, err)
				continue
			}
			fmt.Printf("-> Sent %s %s order: %s %s\n", m.Side, m.Type, m.Symbol, q)
		}

	case "cancel", "amend":
		if *orderID == "" {
			log.Fatal("Error: -id is required")
		}
		var m fenrirNet.Message = fenrirNet.CancelOrderMessage{Symbol: *symbol, OrderID: *orderID, Reason: "client request"}
		if *action == "amend" {
			amend := fenrirNet.AmendOrderMessage{Symbol: *symbol, OrderID: *orderID, Price: optional(*price)}
			flag.Visit(func(f *flag.Flag) {
				if f.Name == "qty" {
					amend.Quantity = optional(*qtyStr)
				}
			})
			m = amend
		}
		if err := fenrirNet.WriteMessage(conn, m); err != nil {
			log.Fatalf("Failed to send %s: %v", *action, err)
		}
		fmt.Printf("-> Sent %s for %s\n", *action, *orderID)

	case "book":
		if err := fenrirNet.WriteMessage(conn, fenrirNet.SnapshotRequestMessage{Symbol: *symbol, Depth: uint16(*depth)}); err != nil {
			log.Fatalf("Failed to request book: %v", err)
		}

	default:
		log.Fatalf("Unknown action: %s", *action)
	}

	fmt.Println("\nListening for reports... (Press Ctrl+C to exit)")
	if *wait > 0 {
		time.Sleep(*wait)
		return
	}
	select {}
}

func optional(s string) decimal.NullDecimal {
	if s == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		log.Fatalf("Invalid decimal %q: %v", s, err)
	}
	return decimal.NewNullDecimal(d)
}

// parseQuantities splits a comma-separated list of decimals.
func parseQuantities(input string) []decimal.Decimal {
	var result []decimal.Decimal
	for _, p := range strings.Split(input, ",") {
		p = strings.TrimSpace(p)
		if val, err := decimal.NewFromString(p); err == nil {
			result = append(result, val)
		} else {
			log.Printf("Warning: Invalid quantity '%s', skipping.", p)
		}
	}
	return result
}

// readReports prints every report the server sends until the connection
// closes.
func readReports(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		msg, err := fenrirNet.ReadMessage(r, maxReportSize)
		if err != nil {
			if err != io.EOF {
				log.Printf("Connection lost: %v", err)
			}
			os.Exit(0)
		}

		switch m := msg.(type) {
		case fenrirNet.AckReportMessage:
			fmt.Printf("\n[ACK] %s %s seq=%d order=%s %s\n", m.Result, m.Symbol, m.Sequence, m.OrderID, m.Reason)
		case fenrirNet.ExecutionReportMessage:
			liq := "maker"
			if m.Liquidity == fenrirNet.Taker {
				liq = "taker"
			}
			fmt.Printf("\n[EXECUTION] %s %s | Qty: %s | Price: %s | %s vs: %s | Order: %s\n",
				m.Side, m.Symbol, m.Quantity, m.Price, liq, m.Counterparty, m.OrderID)
		case fenrirNet.StatusReportMessage:
			s := m.Status
			fmt.Printf("\n[STATUS] %s %s filled=%s remaining=%s avg=%s %s\n",
				s.OrderID, s.Status, s.FilledQuantity, s.Remaining, s.AvgFillPrice, s.Reason)
		case fenrirNet.SnapshotReportMessage:
			printBook(m)
		case fenrirNet.ErrorReportMessage:
			fmt.Printf("\n[SERVER ERROR] %s\n", m.Err)
		}
	}
}

func printBook(m fenrirNet.SnapshotReportMessage) {
	s := m.Snapshot
	fmt.Printf("\n[BOOK] %s seq=%d last=%s stops=%d\n", s.Symbol, s.Sequence, s.LastTradePrice.Decimal, s.PendingStops)
	for i := len(s.Asks) - 1; i >= 0; i-- {
		fmt.Printf("  ask %12s  %s (%d)\n", s.Asks[i].Price, s.Asks[i].Quantity, s.Asks[i].Orders)
	}
	for _, l := range s.Bids {
		fmt.Printf("  bid %12s  %s (%d)\n", l.Price, l.Quantity, l.Orders)
	}
}
