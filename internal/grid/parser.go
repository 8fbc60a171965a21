// Package grid extracts tee-time availability from booking-grid HTML.
//
// Two grid layouts are in the wild: an older table grid (rows are
// tee-times, columns are tees) and a newer tile grid (one element per
// tee-time carrying a state class). The parser tries the table layout
// first and falls back to tiles; the first layout producing any
// tee-times wins.
package grid

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/jrzesz33/teewatch/internal/models"
)

// Markers recognized on table cells. Matching is substring,
// case-insensitive, over the cell's class attribute and text. The
// negative list is checked first so "partfree" never passes as "free".
var (
	availableMarkers   = []string{"ledig", "available", "free", "bookable", "open", "åpen"}
	unavailableMarkers = []string{"partfree", "partial", "full", "occupied", "taken"}
	bookActionMarkers  = []string{"book", "bestill", "reserver", "reserve"}
)

var (
	clockPattern        = regexp.MustCompile(`\b([01]?\d|2[0-3]):([0-5]\d)\b`)
	bookingTokenPattern = regexp.MustCompile(`\d{8}T([01]\d|2[0-3])([0-5]\d)`)
)

// Parser converts booking-grid HTML to a tee-time → available-seats map.
// Pure and deterministic; safe for concurrent use.
type Parser struct {
	teeCapacity int
}

// NewParser builds a parser with the given default tee capacity.
func NewParser(teeCapacity int) *Parser {
	if teeCapacity < 1 {
		teeCapacity = models.DefaultTeeCapacity
	}
	return &Parser{teeCapacity: teeCapacity}
}

// Parse extracts {HH:MM → seats} from one grid page. When the same
// tee-time appears on several tees, the maximum seat count is kept: the
// question answered is "can I get a slot at this hour", not a sum. An
// empty map with a nil error means the layout was recognized but nothing
// is bookable; callers treat that as "no availability", not an error.
func (p *Parser) Parse(html string) (map[string]int, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse grid HTML: %w", err)
	}

	times := p.parseTableGrid(doc)
	if len(times) == 0 {
		times = p.parseTileGrid(doc)
	}
	return times, nil
}

// parseTableGrid handles the row-per-tee-time table layout. Each
// available cell contributes one seat to its row's tee-time.
func (p *Parser) parseTableGrid(doc *goquery.Document) map[string]int {
	times := make(map[string]int)

	doc.Find("table tr").Each(func(_ int, row *goquery.Selection) {
		hhmm := rowClock(row)
		if hhmm == "" {
			return
		}

		seats := 0
		row.Find("td").Each(func(_ int, cell *goquery.Selection) {
			if cellAvailable(cell) {
				seats++
			}
		})
		if seats == 0 {
			return
		}
		if seats > p.teeCapacity {
			seats = p.teeCapacity
		}
		if seats > times[hhmm] {
			times[hhmm] = seats
		}
	})

	return times
}

// rowClock finds the tee-time label for a table row: the first HH:MM in
// the row-header cell, else anywhere in the row.
func rowClock(row *goquery.Selection) string {
	if header := row.Find("th").First(); header.Length() > 0 {
		if hhmm := firstClock(header.Text()); hhmm != "" {
			return hhmm
		}
	}
	return firstClock(row.Text())
}

// cellAvailable applies the marker rules to one table cell.
func cellAvailable(cell *goquery.Selection) bool {
	class, _ := cell.Attr("class")
	haystack := strings.ToLower(class + " " + cell.Text())

	for _, marker := range unavailableMarkers {
		if strings.Contains(haystack, marker) {
			return false
		}
	}
	for _, marker := range availableMarkers {
		if strings.Contains(haystack, marker) {
			return true
		}
	}

	// A booking action inside the cell counts even without a state class.
	found := false
	cell.Find("a, button").EachWithBreak(func(_ int, action *goquery.Selection) bool {
		text := strings.ToLower(strings.TrimSpace(action.Text()))
		for _, marker := range bookActionMarkers {
			if strings.Contains(text, marker) {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

// tileStateClasses are the class tokens that mark an element as a
// tee-time tile in the tile layout.
var tileStateClasses = []string{
	"expired", "portalclosed", "tournament", "full", "free", "partfree",
	"teetime", "slot",
}

// parseTileGrid handles the tile-per-tee-time layout.
func (p *Parser) parseTileGrid(doc *goquery.Document) map[string]int {
	times := make(map[string]int)

	doc.Find("div, td, li").Each(func(_ int, tile *goquery.Selection) {
		if !isTile(tile) {
			return
		}
		hhmm := tileClock(tile)
		if hhmm == "" {
			return
		}

		seats := p.tileSeats(tile)
		if seats > p.teeCapacity {
			seats = p.teeCapacity
		}
		if existing, ok := times[hhmm]; !ok || seats > existing {
			times[hhmm] = seats
		}
	})

	return times
}

func isTile(s *goquery.Selection) bool {
	classes := classTokens(s)
	for _, c := range tileStateClasses {
		if classes[c] {
			return true
		}
	}
	if onclick, ok := s.Attr("onclick"); ok && bookingTokenPattern.MatchString(onclick) {
		return true
	}
	return false
}

// tileSeats maps a tile's state class to available seats per the
// capacity-encoding conventions of the provider.
func (p *Parser) tileSeats(tile *goquery.Selection) int {
	classes := classTokens(tile)
	booked := bookedCount(tile)

	switch {
	case classes["expired"], classes["portalclosed"], classes["tournament"]:
		return 0
	case classes["full"]:
		return 0
	case classes["free"]:
		if booked == 0 {
			return p.tileCapacity(tile, booked)
		}
		return maxInt(0, p.tileCapacity(tile, booked)-booked)
	case classes["partfree"]:
		return maxInt(0, p.tileCapacity(tile, booked)-booked)
	default:
		// Standard slot without an explicit state class.
		if booked > 0 {
			return maxInt(0, p.tileCapacity(tile, booked)-booked)
		}
		if clickable(tile) {
			return p.tileCapacity(tile, booked)
		}
		return 0
	}
}

// tileCapacity determines the tile's seat capacity: explicit data
// attribute, then player-row count when it exceeds the booked count,
// then the configured default.
func (p *Parser) tileCapacity(tile *goquery.Selection, booked int) int {
	for _, attr := range []string{"data-capacity", "data-slots"} {
		if v, ok := tile.Attr(attr); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
				return n
			}
		}
	}
	if rows := tile.Find(".player, .player-row").Length(); rows > booked {
		return rows
	}
	return p.teeCapacity
}

// bookedCount counts taken seats on a tile: player-icon images, else
// name-bearing player rows.
func bookedCount(tile *goquery.Selection) int {
	icons := 0
	tile.Find("img").Each(func(_ int, img *goquery.Selection) {
		class, _ := img.Attr("class")
		src, _ := img.Attr("src")
		probe := strings.ToLower(class + " " + src)
		if strings.Contains(probe, "player") || strings.Contains(probe, "golfer") || strings.Contains(probe, "booked") {
			icons++
		}
	})
	if icons > 0 {
		return icons
	}

	names := 0
	tile.Find(".player .name, .player-name").Each(func(_ int, name *goquery.Selection) {
		if strings.TrimSpace(name.Text()) != "" {
			names++
		}
	})
	return names
}

// tileClock finds the tee-time label for a tile: dedicated .time child,
// any HH:MM in the tile text, else the HHMM inside a booking token in an
// on-click handler.
func tileClock(tile *goquery.Selection) string {
	if timeEl := tile.Find(".time").First(); timeEl.Length() > 0 {
		if hhmm := firstClock(timeEl.Text()); hhmm != "" {
			return hhmm
		}
	}
	if hhmm := firstClock(tile.Text()); hhmm != "" {
		return hhmm
	}
	if onclick, ok := tile.Attr("onclick"); ok {
		if m := bookingTokenPattern.FindStringSubmatch(onclick); m != nil {
			return m[1] + ":" + m[2]
		}
	}
	return ""
}

func clickable(tile *goquery.Selection) bool {
	if _, ok := tile.Attr("onclick"); ok {
		return true
	}
	if _, ok := tile.Attr("href"); ok {
		return true
	}
	return tile.Find("a[href], button").Length() > 0
}

// firstClock returns the first HH:MM substring, zero-padded.
func firstClock(text string) string {
	m := clockPattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	hour, _ := strconv.Atoi(m[1])
	return fmt.Sprintf("%02d:%s", hour, m[2])
}

func classTokens(s *goquery.Selection) map[string]bool {
	class, _ := s.Attr("class")
	tokens := make(map[string]bool)
	for _, t := range strings.Fields(strings.ToLower(class)) {
		tokens[t] = true
	}
	return tokens
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
