package convert

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// OutputCondition identifies the sRGB output intent written by ToPDFA.
const OutputCondition = "sRGB IEC61966-2.1"

// Identification is the pdfaid part and conformance of a level.
type Identification struct {
	Part        int
	Conformance string
}

// IdentificationOf splits a canonical level such as PDF/A-2B. PDF/A-4
// without a suffix has no conformance letter.
func IdentificationOf(level string) (Identification, error) {
	v := strings.TrimPrefix(level, "PDF/A-")
	if v == level || v == "" || v[0] < '1' || v[0] > '4' {
		return Identification{}, fmt.Errorf("%w: %q", ErrUnsupportedConformance, level)
	}
	return Identification{Part: int(v[0] - '0'), Conformance: v[1:]}, nil
}

// addOutputIntent replaces the output intents of the catalog with a single
// GTS_PDFA1 intent carrying the sRGB profile.
func addOutputIntent(ctx *model.Context) error {
	root, err := ctx.Catalog()
	if err != nil {
		return err
	}

	profile, err := ctx.NewStreamDictForBuf(sRGBProfile())
	if err != nil {
		return err
	}
	profile.InsertInt("N", 3)
	if err := profile.Encode(); err != nil {
		return err
	}
	profileRef, err := ctx.IndRefForNewObject(*profile)
	if err != nil {
		return err
	}

	intent := types.Dict{
		"Type":                      types.Name("OutputIntent"),
		"S":                         types.Name("GTS_PDFA1"),
		"OutputConditionIdentifier": types.StringLiteral(OutputCondition),
		"Info":                      types.StringLiteral(OutputCondition),
		"RegistryName":              types.StringLiteral("http://www.color.org"),
		"DestOutputProfile":         *profileRef,
	}
	root.Update("OutputIntents", types.Array{intent})
	return nil
}

// addIdentification replaces the catalog metadata with an XMP packet
// declaring the PDF/A part and conformance. The stream stays unfiltered,
// as PDF/A-1 requires.
func addIdentification(ctx *model.Context, level string, now time.Time) error {
	id, err := IdentificationOf(level)
	if err != nil {
		return err
	}
	root, err := ctx.Catalog()
	if err != nil {
		return err
	}

	sd := types.StreamDict{
		Dict:    types.NewDict(),
		Content: xmpPacket(id, now),
	}
	sd.InsertName("Type", "Metadata")
	sd.InsertName("Subtype", "XML")
	if err := sd.Encode(); err != nil {
		return err
	}
	ref, err := ctx.IndRefForNewObject(sd)
	if err != nil {
		return err
	}
	root.Update("Metadata", *ref)
	return nil
}

func xmpPacket(id Identification, now time.Time) []byte {
	var b bytes.Buffer
	b.WriteString("<?xpacket begin=\"\ufeff\" id=\"W5M0MpCehiHzreSzNTczkc9d\"?>\n")
	b.WriteString("<x:xmpmeta xmlns:x=\"adobe:ns:meta/\">\n")
	b.WriteString(" <rdf:RDF xmlns:rdf=\"http://www.w3.org/1999/02/22-rdf-syntax-ns#\">\n")
	b.WriteString("  <rdf:Description rdf:about=\"\"\n")
	b.WriteString("    xmlns:pdfaid=\"http://www.aiim.org/pdfa/ns/id/\"\n")
	b.WriteString("    xmlns:xmp=\"http://ns.adobe.com/xap/1.0/\"\n")
	fmt.Fprintf(&b, "    pdfaid:part=\"%d\"\n", id.Part)
	if id.Conformance != "" {
		fmt.Fprintf(&b, "    pdfaid:conformance=\"%s\"\n", id.Conformance)
	}
	if id.Part == 4 {
		b.WriteString("    pdfaid:rev=\"2020\"\n")
	}
	fmt.Fprintf(&b, "    xmp:MetadataDate=\"%s\"/>\n", now.UTC().Format(time.RFC3339))
	b.WriteString(" </rdf:RDF>\n")
	b.WriteString("</x:xmpmeta>\n")
	b.WriteString("<?xpacket end=\"w\"?>")
	return b.Bytes()
}
