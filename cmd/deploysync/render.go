package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/MarcoPoloResearchLab/deploysync/internal/records"
	"github.com/MarcoPoloResearchLab/deploysync/internal/store"
	"gopkg.in/yaml.v3"
)

const (
	formatText = "text"
	formatYAML = "yaml"
	formatJSON = "json"
)

type snapshotDocument struct {
	Deployment    *records.Deployment    `json:"deployment"`
	Steps         []records.Step         `json:"steps"`
	Prerequisites []records.Prerequisite `json:"prerequisites"`
	Info          []records.Note         `json:"info"`
	Collaborators []records.Collaborator `json:"collaborators"`
}

func renderSnapshot(out io.Writer, snapshot store.Snapshot, format string) error {
	document := snapshotDocument{
		Deployment:    snapshot.Deployment,
		Steps:         nonNil(snapshot.Steps),
		Prerequisites: nonNil(snapshot.Prerequisites),
		Info:          nonNil(snapshot.Info),
		Collaborators: nonNil(snapshot.Collaborators),
	}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case formatJSON:
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(document)
	case formatYAML:
		return writeYAML(out, document)
	case formatText, "":
		return writeText(out, document)
	default:
		return fmt.Errorf("unsupported format %q (text, yaml, json)", format)
	}
}

// writeYAML emits the document with the same field names as the wire format. JSON is valid
// YAML, so the encoded form is parsed into a node tree and re-emitted in block style.
func writeYAML(out io.Writer, document snapshotDocument) error {
	encoded, err := json.Marshal(document)
	if err != nil {
		return err
	}
	var root yaml.Node
	if err := yaml.Unmarshal(encoded, &root); err != nil {
		return err
	}
	blockStyle(&root)

	encoder := yaml.NewEncoder(out)
	encoder.SetIndent(2)
	if err := encoder.Encode(&root); err != nil {
		return err
	}
	return encoder.Close()
}

func blockStyle(node *yaml.Node) {
	node.Style = 0
	for _, child := range node.Content {
		blockStyle(child)
	}
}

func writeText(out io.Writer, document snapshotDocument) error {
	if deployment := document.Deployment; deployment != nil {
		status := ""
		if deployment.Deleted {
			status = " [deleted]"
		}
		fmt.Fprintf(out, "%s%s\n", deployment.Title, status)
		fmt.Fprintf(out, "  id:       %s\n", deployment.ID)
		fmt.Fprintf(out, "  category: %s\n", deployment.Category)
		fmt.Fprintf(out, "  date:     %s\n", deployment.Date.Format(dateLayout))
		fmt.Fprintf(out, "  version:  %d\n", deployment.Version)
		if strings.TrimSpace(deployment.Description) != "" {
			fmt.Fprintf(out, "  %s\n", deployment.Description)
		}
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "\nPREREQUISITES (%s)\n", progress(document.Prerequisites, func(p records.Prerequisite) bool { return p.IsDone }))
	for _, prerequisite := range document.Prerequisites {
		fmt.Fprintf(writer, "  %s\t#%d\t%s\t%s\t%s\t%s\n",
			checkbox(prerequisite.IsDone), prerequisite.Number, prerequisite.Type, prerequisite.Name, prerequisite.Actor, prerequisite.ID)
	}
	fmt.Fprintf(writer, "\nSTEPS (%s)\n", progress(document.Steps, func(s records.Step) bool { return s.IsDone }))
	for _, step := range document.Steps {
		fmt.Fprintf(writer, "  %s\t#%d\t%s\t%s\t%s\t%s\n",
			checkbox(step.IsDone), step.Number, step.Type, step.Name, step.Actor, step.ID)
	}
	if len(document.Info) > 0 {
		fmt.Fprintln(writer, "\nNOTES")
		for _, note := range document.Info {
			fmt.Fprintf(writer, "  - %s\n", note.Information)
		}
	}
	if len(document.Collaborators) > 0 {
		names := make([]string, 0, len(document.Collaborators))
		for _, collaborator := range document.Collaborators {
			names = append(names, collaborator.Name)
		}
		fmt.Fprintf(writer, "\nONLINE: %s\n", strings.Join(names, ", "))
	}
	return writer.Flush()
}

func progress[T any](items []T, done func(T) bool) string {
	completed := 0
	for _, item := range items {
		if done(item) {
			completed++
		}
	}
	return fmt.Sprintf("%d/%d done", completed, len(items))
}

func checkbox(done bool) string {
	if done {
		return "[x]"
	}
	return "[ ]"
}

func nonNil[T any](values []T) []T {
	if values == nil {
		return []T{}
	}
	return values
}
