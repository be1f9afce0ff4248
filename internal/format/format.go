// Package format implements MetadataFormatter: turns a set of retrieved
// chunks into the banner-delimited context block the RAGChain's prompt
// embeds.
package format

import (
	"fmt"
	"sort"
	"strings"

	"expedienterag/internal/retrieve"
)

const banner = "================================================================================"

// Format groups items by ExpedienteNum (stable ascending sort on the
// expediente number) and renders each group under a three-line banner naming
// the expediente and the number of chunks in the group (printed as
// "N documentos"). Every chunk gets a pipe-joined
// header line plus its path, with the chunk text wrapped in "---" lines.
func Format(items []retrieve.Item) string {
	if len(items) == 0 {
		return ""
	}

	groups := make(map[string][]retrieve.Item)
	var keys []string
	for _, it := range items {
		if _, ok := groups[it.ExpedienteNum]; !ok {
			keys = append(keys, it.ExpedienteNum)
		}
		groups[it.ExpedienteNum] = append(groups[it.ExpedienteNum], it)
	}
	sort.Strings(keys)

	var b strings.Builder
	for gi, expediente := range keys {
		if gi > 0 {
			b.WriteString("\n")
		}
		chunks := groups[expediente]
		b.WriteString(banner)
		b.WriteString("\n")
		fmt.Fprintf(&b, "EXPEDIENTE: %s (%d documentos)\n", expediente, len(chunks))
		b.WriteString(banner)
		b.WriteString("\n")
		for _, it := range chunks {
			b.WriteString("\n")
			fmt.Fprintf(&b, "**Expediente:** %s | **Archivo:** %s | **Chunk:** %d | **Págs:** %d-%d\n",
				it.ExpedienteNum, it.Filename, it.ChunkIndex, it.PageStart, it.PageEnd)
			fmt.Fprintf(&b, "**Ruta:** %s\n", it.Path)
			b.WriteString("---\n")
			b.WriteString(it.Text)
			b.WriteString("\n")
			b.WriteString("---\n")
		}
	}
	return b.String()
}
