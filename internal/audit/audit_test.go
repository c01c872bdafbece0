package audit_test

import (
	"testing"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/tests"
	"github.com/yanix/gateway/internal/audit"

	_ "github.com/yanix/gateway/internal/migrations"
)

func TestWrite(t *testing.T) {
	app, err := tests.NewTestApp()
	if err != nil {
		t.Fatal(err)
	}
	defer app.Cleanup()

	audit.Write(app, audit.Entry{
		UserID:      "u1",
		Action:      audit.ActionExec,
		HostLabel:   "A",
		ContainerID: "abc",
		Status:      audit.StatusSuccess,
		IP:          "10.0.0.1",
		UserAgent:   "curl/8",
		Detail:      map[string]any{"argc": 3},
	})

	rec, err := app.FindFirstRecordByFilter("audit_logs", "container_id = {:cid}", dbx.Params{"cid": "abc"})
	if err != nil {
		t.Fatalf("audit record not written: %v", err)
	}
	if rec.GetString("action") != audit.ActionExec || rec.GetString("host_label") != "A" || rec.GetString("ip") != "10.0.0.1" {
		t.Fatalf("unexpected record %v", rec.PublicExport())
	}
	var detail map[string]any
	if err := rec.UnmarshalJSONField("detail", &detail); err != nil {
		t.Fatal(err)
	}
	if detail["user_agent"] != "curl/8" {
		t.Fatalf("detail = %v", detail)
	}
}

func TestWriteSkipsInvalidStatus(t *testing.T) {
	app, err := tests.NewTestApp()
	if err != nil {
		t.Fatal(err)
	}
	defer app.Cleanup()

	audit.Write(app, audit.Entry{UserID: "u1", Action: audit.ActionStop, Status: "pending"})

	n, err := app.CountRecords("audit_logs")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("records = %d, want 0", n)
	}
}
