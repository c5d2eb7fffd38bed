package sign

import (
	"fmt"
	"strings"
)

// updateByteRange computes the final /ByteRange, which covers the whole file
// except the <...> of /Contents, and patches it over the placeholder.
func (context *SignContext) updateByteRange() error {
	fileSize := int64(context.Output.Buff.Len())

	contentsEnd := context.contentsStart + int64(context.Options.ContentsSize)*2 + 2

	context.byteRange = [4]int64{
		0,
		context.contentsStart,
		contentsEnd,
		fileSize - contentsEnd,
	}

	byteRange := fmt.Sprintf("/ByteRange[%d %d %d %d]", context.byteRange[0], context.byteRange[1], context.byteRange[2], context.byteRange[3])
	if len(byteRange) > len(signatureByteRangePlaceholder) {
		return fmt.Errorf("byte range %s does not fit the placeholder", byteRange)
	}
	byteRange += strings.Repeat(" ", len(signatureByteRangePlaceholder)-len(byteRange))

	out := context.Output.Buff.Bytes()
	if string(out[context.byteRangeStart:context.byteRangeStart+int64(len(signatureByteRangePlaceholder))]) != signatureByteRangePlaceholder {
		return fmt.Errorf("byte range placeholder not found at offset %d", context.byteRangeStart)
	}
	copy(out[context.byteRangeStart:], byteRange)

	if out[context.contentsStart] != '<' || out[contentsEnd-1] != '>' {
		return fmt.Errorf("contents placeholder not found at offset %d", context.contentsStart)
	}

	return nil
}
