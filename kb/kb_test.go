package kb

import (
	"errors"
	"sync"
	"testing"

	"github.com/signalsfoundry/enb-scheduler/model"
)

func pcellConfig(cc uint32) model.UEConfig {
	return model.UEConfig{SupportedCCs: []model.CCConfig{{EnbCCIdx: cc, Active: true}}}
}

func TestAddAndGetUE(t *testing.T) {
	reg := NewUERegistry()
	if err := reg.Add(NewUEState(0x46, 7, 100, pcellConfig(0))); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	ue, ok := reg.Get(0x46)
	if !ok {
		t.Fatalf("Get(0x46) not found")
	}
	if ue.PRACHTTI != 100 || ue.PreambleIdx != 7 {
		t.Fatalf("Get(0x46) = %+v, want prach_tti=100 preamble=7", ue)
	}
	if ue.RARTTI != model.NoTTI || ue.Msg3TTI != model.NoTTI || ue.Msg4TTI != model.NoTTI {
		t.Fatalf("new UE has RA timestamps set: %+v", ue)
	}
	if got := ue.State(); got != RAPRACHReceived {
		t.Fatalf("State() = %v, want prach_received", got)
	}
}

func TestAddUEDuplicateAndInvalid(t *testing.T) {
	reg := NewUERegistry()
	if err := reg.Add(NewUEState(0x46, 0, 0, pcellConfig(0))); err != nil {
		t.Fatalf("first Add error: %v", err)
	}
	if err := reg.Add(NewUEState(0x46, 1, 0, pcellConfig(0))); !errors.Is(err, ErrUEExists) {
		t.Fatalf("duplicate Add err = %v, want ErrUEExists", err)
	}
	if err := reg.Add(NewUEState(0x47, 1, 0, model.UEConfig{})); !errors.Is(err, ErrUEInvalid) {
		t.Fatalf("carrier-less Add err = %v, want ErrUEInvalid", err)
	}
}

func TestRecordsAreNotAliased(t *testing.T) {
	reg := NewUERegistry()
	cfg := pcellConfig(0)
	if err := reg.Add(NewUEState(0x46, 0, 0, cfg)); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	cfg.SupportedCCs[0].Active = false

	ue, _ := reg.Get(0x46)
	if !ue.Config.SupportedCCs[0].Active {
		t.Fatalf("caller mutation leaked into the registry")
	}
	ue.Config.SupportedCCs[0].Active = false
	again, _ := reg.Get(0x46)
	if !again.Config.SupportedCCs[0].Active {
		t.Fatalf("Get() result aliases the registry record")
	}
}

func TestConfigureBearerSetsDRBFlag(t *testing.T) {
	reg := NewUERegistry()
	if err := reg.Add(NewUEState(0x46, 0, 0, pcellConfig(0))); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if err := reg.ConfigureBearer(0x46, 1, model.BearerConfig{Direction: model.BearerBoth}); err != nil {
		t.Fatalf("ConfigureBearer(srb1) error: %v", err)
	}
	if ue, _ := reg.Get(0x46); ue.DRBConfigured {
		t.Fatalf("SRB1 must not mark DRBs configured")
	}
	if err := reg.ConfigureBearer(0x46, 3, model.BearerConfig{Direction: model.BearerDL}); err != nil {
		t.Fatalf("ConfigureBearer(drb) error: %v", err)
	}
	if ue, _ := reg.Get(0x46); !ue.DRBConfigured {
		t.Fatalf("expected DRBConfigured after LCID 3")
	}
	if err := reg.ConfigureBearer(0x46, 3, model.BearerConfig{Direction: model.BearerIdle}); err != nil {
		t.Fatalf("ConfigureBearer(idle) error: %v", err)
	}
	if ue, _ := reg.Get(0x46); ue.DRBConfigured {
		t.Fatalf("expected DRBConfigured cleared once every DRB is idle")
	}
	if err := reg.ConfigureBearer(0x99, 3, model.BearerConfig{}); !errors.Is(err, ErrUENotFound) {
		t.Fatalf("ConfigureBearer unknown err = %v, want ErrUENotFound", err)
	}
}

func TestFindByPreambleAndList(t *testing.T) {
	reg := NewUERegistry()
	for i, rnti := range []model.RNTI{0x48, 0x46, 0x47} {
		if err := reg.Add(NewUEState(rnti, uint32(i), 200, pcellConfig(0))); err != nil {
			t.Fatalf("Add error: %v", err)
		}
	}
	if got := reg.FindByPreamble(200, 1); len(got) != 1 || got[0].RNTI != 0x46 {
		t.Fatalf("FindByPreamble(200,1) = %+v, want rnti 0x46", got)
	}
	if got := reg.FindByPreamble(201, 1); len(got) != 0 {
		t.Fatalf("FindByPreamble matched the wrong PRACH TTI: %+v", got)
	}
	list := reg.List()
	if len(list) != 3 || list[0].RNTI != 0x46 || list[2].RNTI != 0x48 {
		t.Fatalf("List() not ordered by RNTI: %+v", list)
	}
}

func TestFindByPreambleReturnsEveryMatch(t *testing.T) {
	reg := NewUERegistry()
	for _, rnti := range []model.RNTI{0x47, 0x46, 0x48} {
		if err := reg.Add(NewUEState(rnti, 5, 300, pcellConfig(0))); err != nil {
			t.Fatalf("Add error: %v", err)
		}
	}
	// 0x46 finished its RA procedure; its PRACH TTI only aliases after a wrap.
	if err := reg.Update(0x46, func(ue *UEState) error {
		ue.Msg4TTI = 320
		return nil
	}); err != nil {
		t.Fatalf("Update error: %v", err)
	}

	got := reg.FindByPreamble(300, 5)
	want := []model.RNTI{0x47, 0x48, 0x46}
	if len(got) != len(want) {
		t.Fatalf("FindByPreamble = %+v, want rntis %v", got, want)
	}
	for i := range want {
		if got[i].RNTI != want[i] {
			t.Fatalf("FindByPreamble[%d] = 0x%x, want 0x%x", i, got[i].RNTI, want[i])
		}
	}
}

func TestSubscribeReceivesLifecycle(t *testing.T) {
	reg := NewUERegistry()
	var got []EventType
	unsubscribe := reg.Subscribe(func(e Event) { got = append(got, e.Type) })

	if err := reg.Add(NewUEState(0x46, 0, 0, pcellConfig(0))); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if err := reg.Reconfigure(0x46, pcellConfig(1)); err != nil {
		t.Fatalf("Reconfigure error: %v", err)
	}
	reg.Remove(0x46)
	reg.Remove(0x46)
	unsubscribe()
	if err := reg.Add(NewUEState(0x47, 0, 0, pcellConfig(0))); err != nil {
		t.Fatalf("Add error: %v", err)
	}

	want := []EventType{EventUEAdded, EventUEReconfigured, EventUERemoved}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestUnsubscribeOutOfOrder(t *testing.T) {
	reg := NewUERegistry()
	var a, b, c int
	unsubA := reg.Subscribe(func(Event) { a++ })
	unsubB := reg.Subscribe(func(Event) { b++ })
	reg.Subscribe(func(Event) { c++ })

	unsubA()
	unsubB()
	unsubA()
	if err := reg.Add(NewUEState(0x46, 0, 0, pcellConfig(0))); err != nil {
		t.Fatalf("Add error: %v", err)
	}
	if a != 0 || b != 0 || c != 1 {
		t.Fatalf("deliveries a=%d b=%d c=%d, want 0 0 1", a, b, c)
	}
}

func TestConcurrentAccess(t *testing.T) {
	reg := NewUERegistry()
	if err := reg.Add(NewUEState(0x46, 0, 0, pcellConfig(0))); err != nil {
		t.Fatalf("Add error: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = reg.Get(0x46)
			_ = reg.List()
		}()
		go func() {
			defer wg.Done()
			_ = reg.Update(0x46, func(ue *UEState) error {
				ue.RARTTI = i
				return nil
			})
		}()
	}
	wg.Wait()
}
