package awsbackend

import (
	"bytes"
	"testing"

	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

func TestStringAttrAndInt64Attr(t *testing.T) {
	item := map[string]ddbtypes.AttributeValue{
		"Name": &ddbtypes.AttributeValueMemberS{Value: "hello"},
		"Size": &ddbtypes.AttributeValueMemberN{Value: "1234"},
	}
	if got := stringAttr(item, "Name"); got != "hello" {
		t.Fatalf("stringAttr = %q", got)
	}
	if got := int64Attr(item, "Size"); got != 1234 {
		t.Fatalf("int64Attr = %d", got)
	}
	if got := stringAttr(item, "Missing"); got != "" {
		t.Fatalf("expected empty string for missing attribute, got %q", got)
	}
}

func TestParseInventory(t *testing.T) {
	body := bytes.NewBufferString(`{"ArchiveList":[{"ArchiveId":"a1","Size":100},{"ArchiveId":"a2","Size":200}]}`)
	inv, err := parseInventory(body)
	if err != nil {
		t.Fatal(err)
	}
	if inv["a1"] != 100 || inv["a2"] != 200 {
		t.Fatalf("unexpected inventory: %+v", inv)
	}
}
