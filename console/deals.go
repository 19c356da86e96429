package console

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"dealwatch/models"
)

type dealsMsg struct {
	deals []models.Deal
	err   error
}

type Deals struct {
	source        DealSource
	width, height int
	deals         []models.Deal
	cursor        int
	err           error
}

func NewDeals(source DealSource) Deals {
	return Deals{source: source}
}

func (d Deals) Init() tea.Cmd {
	return d.Refresh()
}

func (d Deals) Refresh() tea.Cmd {
	source := d.source
	if source == nil {
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		deals, err := source.ListActiveDeals(ctx, 100)
		return dealsMsg{deals: deals, err: err}
	}
}

func (d Deals) SetSize(w, h int) Deals {
	d.width = w
	d.height = h
	return d
}

// Selected returns the deal under the cursor.
func (d Deals) Selected() (models.Deal, bool) {
	if d.cursor < 0 || d.cursor >= len(d.deals) {
		return models.Deal{}, false
	}
	return d.deals[d.cursor], true
}

func (d Deals) Update(msg tea.Msg) (Deals, tea.Cmd) {
	switch msg := msg.(type) {
	case dealsMsg:
		d.err = msg.err
		if msg.err == nil {
			d.deals = msg.deals
			if d.cursor >= len(d.deals) {
				d.cursor = max(len(d.deals)-1, 0)
			}
		}
	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if d.cursor > 0 {
				d.cursor--
			}
		case "down", "j":
			if d.cursor < len(d.deals)-1 {
				d.cursor++
			}
		case "g":
			d.cursor = 0
		case "G":
			d.cursor = max(len(d.deals)-1, 0)
		}
	}
	return d, nil
}

func (d Deals) View() string {
	if d.source == nil {
		return lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Active Deals"),
			mutedStyle.Render("Deal store not configured (set DATABASE_URL)"),
		)
	}
	parts := []string{titleStyle.Render("Active Deals"), d.renderTable()}
	if deal, ok := d.Selected(); ok {
		parts = append(parts, "", d.renderDetail(deal))
	}
	if d.err != nil {
		parts = append(parts, errorStyle.Render("Refresh failed: "+d.err.Error()))
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (d Deals) visibleRows() int {
	// leave room for the title, header and detail card
	n := d.height - 12
	if n < 5 {
		n = 5
	}
	return n
}

func (d Deals) renderTable() string {
	if len(d.deals) == 0 {
		return mutedStyle.Render("No active deals")
	}

	header := fmt.Sprintf("  %-12s %10s %10s %7s %5s %-12s", "Product", "Was", "Now", "Off", "Score", "Class")
	var b strings.Builder
	b.WriteString(tableHeaderStyle.Render(header))
	b.WriteString("\n")

	start := 0
	if visible := d.visibleRows(); d.cursor >= visible {
		start = d.cursor - visible + 1
	}
	end := min(start+d.visibleRows(), len(d.deals))
	for i := start; i < end; i++ {
		deal := d.deals[i]
		marker := "  "
		if i == d.cursor {
			marker = "> "
		}
		row := fmt.Sprintf("%s%-12s %10.2f %10.2f %6.1f%% %5d %-12s",
			marker,
			deal.ProductID,
			deal.OriginalPrice,
			deal.DealPrice,
			deal.DiscountPercentage,
			deal.Score,
			truncate(deal.Classification, 12),
		)
		if i == d.cursor {
			row = successStyle.Render(row)
		}
		b.WriteString(row)
		b.WriteString("\n")
	}
	return b.String()
}

func (d Deals) renderDetail(deal models.Deal) string {
	flags := []string{}
	if deal.IsPublished {
		flags = append(flags, "published")
	}
	if deal.Notified {
		flags = append(flags, "notified")
	}
	if len(flags) == 0 {
		flags = append(flags, "new")
	}
	content := lipgloss.JoinVertical(lipgloss.Left,
		statValueStyle.Render(deal.ProductID),
		statLabelStyle.Render(fmt.Sprintf("Since: %s", relativeTime(deal.CreatedAt, time.Now()))),
		statLabelStyle.Render(fmt.Sprintf("Updated: %s", relativeTime(deal.UpdatedAt, time.Now()))),
		statLabelStyle.Render("State: "+strings.Join(flags, ", ")),
	)
	return dealCardStyle.Width(32).Render(content)
}
