package delivery_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/Additional-Code/remedio/internal/entity"
	"github.com/Additional-Code/remedio/internal/geocoding"
	"github.com/Additional-Code/remedio/internal/service/servicetest"
	"github.com/Additional-Code/remedio/pkg/errorbank"
)

var medications int

func shippedCashOrder(t *testing.T, f *servicetest.Fixture) *entity.Order {
	t.Helper()
	medications++
	med := f.Medication(t, fmt.Sprintf("Buscopan %d", medications), "9.90", 50)
	order := f.PlaceOrder(t, entity.PaymentMethodCash, med, 1)
	f.Advance(t, order.ID, entity.OrderConfirmed, entity.OrderProcessing, entity.OrderShipped)
	return order
}

func requireKind(t *testing.T, err error, kind errorbank.Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if got := errorbank.From(err).Kind(); got != kind {
		t.Fatalf("expected %s error, got %s (%v)", kind, got, err)
	}
}

func TestScenarioCashOnDelivery(t *testing.T) {
	f := servicetest.New(t)
	ctx := context.Background()
	order := shippedCashOrder(t, f)

	task, err := f.DeliverySvc.Assign(ctx, servicetest.Courier, order.ID, "", nil)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if task.Status != entity.DeliveryInProgress || !task.AssignedTo(servicetest.Courier.ID) {
		t.Fatalf("unexpected task %+v", task)
	}
	if task.EstimatedDeliveryTime == nil {
		t.Fatalf("expected a default estimated delivery time")
	}

	res, err := f.DeliverySvc.ConfirmCashPaymentAndFinalize(ctx, servicetest.Courier, order.ID)
	if err != nil {
		t.Fatalf("confirm cash: %v", err)
	}
	if res.Order.Status != entity.OrderDelivered || res.Order.PaymentStatus != entity.PaymentConfirmed {
		t.Fatalf("unexpected order %s/%s", res.Order.Status, res.Order.PaymentStatus)
	}

	stored := f.Reload(t, order.ID)
	if stored.Status != entity.OrderDelivered || stored.PaymentStatus != entity.PaymentConfirmed {
		t.Fatalf("changes not persisted: %s/%s", stored.Status, stored.PaymentStatus)
	}
	storedTask, err := f.Deliveries.GetByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if storedTask.Status != entity.DeliveryDelivered || storedTask.DeliveredAt == nil {
		t.Fatalf("task not finalized: %+v", storedTask)
	}

	_, err = f.DeliverySvc.ConfirmCashPaymentAndFinalize(ctx, servicetest.Courier, order.ID)
	servicetest.RequireCode(t, err, errorbank.CodeInvalidTransition)
}

func TestConfirmCashRules(t *testing.T) {
	f := servicetest.New(t)
	ctx := context.Background()

	order := shippedCashOrder(t, f)
	if _, err := f.DeliverySvc.Assign(ctx, servicetest.Courier, order.ID, "", nil); err != nil {
		t.Fatalf("assign: %v", err)
	}
	_, err := f.DeliverySvc.ConfirmCashPaymentAndFinalize(ctx, servicetest.Other, order.ID)
	requireKind(t, err, errorbank.KindForbidden)
	_, err = f.DeliverySvc.ConfirmCashPaymentAndFinalize(ctx, servicetest.Client, order.ID)
	requireKind(t, err, errorbank.KindForbidden)

	med := f.Medication(t, "Loratadina", "14.00", 10)
	pix := f.PlaceOrder(t, entity.PaymentMethodPix, med, 1)
	_, err = f.DeliverySvc.ConfirmCashPaymentAndFinalize(ctx, servicetest.Admin, pix.ID)
	servicetest.RequireCode(t, err, errorbank.CodeInvalidPaymentMethod)

	early := f.PlaceOrder(t, entity.PaymentMethodCash, med, 1)
	res, err := f.DeliverySvc.ConfirmCashPaymentAndFinalize(ctx, servicetest.Admin, early.ID)
	if err != nil {
		t.Fatalf("admin confirm before shipping: %v", err)
	}
	if res.Order.Status != entity.OrderPending || res.Order.PaymentStatus != entity.PaymentConfirmed {
		t.Fatalf("admin confirmation before shipping should only confirm payment: %s/%s", res.Order.Status, res.Order.PaymentStatus)
	}
	_, err = f.DeliverySvc.ConfirmCashPaymentAndFinalize(ctx, servicetest.Admin, early.ID)
	servicetest.RequireCode(t, err, errorbank.CodePaymentAlreadyConfirmed)
}

func TestConfirmCashRequiresActiveTask(t *testing.T) {
	f := servicetest.New(t)
	ctx := context.Background()
	order := shippedCashOrder(t, f)

	task, err := f.DeliverySvc.Assign(ctx, servicetest.Courier, order.ID, "", nil)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := f.DeliverySvc.Fail(ctx, servicetest.Courier, task.ID, "address not found"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	_, err = f.DeliverySvc.ConfirmCashPaymentAndFinalize(ctx, servicetest.Courier, order.ID)
	servicetest.RequireCode(t, err, errorbank.CodeInvalidTransition)
	_, err = f.DeliverySvc.ConfirmCashPaymentAndFinalize(ctx, servicetest.Admin, order.ID)
	servicetest.RequireCode(t, err, errorbank.CodeInvalidTransition)

	stored := f.Reload(t, order.ID)
	if stored.Status != entity.OrderShipped || stored.PaymentStatus != entity.PaymentPending {
		t.Fatalf("failed delivery must leave the order untouched, got %s/%s", stored.Status, stored.PaymentStatus)
	}

	if _, err := f.DeliverySvc.Assign(ctx, servicetest.Other, order.ID, "", nil); err != nil {
		t.Fatalf("reassign: %v", err)
	}
	res, err := f.DeliverySvc.ConfirmCashPaymentAndFinalize(ctx, servicetest.Other, order.ID)
	if err != nil {
		t.Fatalf("confirm after reassignment: %v", err)
	}
	if res.Order.Status != entity.OrderDelivered {
		t.Fatalf("expected DELIVERED, got %s", res.Order.Status)
	}
	finished, err := f.Deliveries.GetByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if finished.Status != entity.DeliveryDelivered || finished.DeliveredAt == nil {
		t.Fatalf("task should finish with the order, got %s at %v", finished.Status, finished.DeliveredAt)
	}
}

func TestOneTaskPerOrder(t *testing.T) {
	f := servicetest.New(t)
	ctx := context.Background()
	order := shippedCashOrder(t, f)

	first, err := f.DeliverySvc.Assign(ctx, servicetest.Courier, order.ID, "", nil)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	_, err = f.DeliverySvc.Assign(ctx, servicetest.Other, order.ID, "", nil)
	servicetest.RequireCode(t, err, errorbank.CodeDuplicateTask)

	_, err = f.DeliverySvc.Release(ctx, servicetest.Admin, order.ID, "", nil)
	servicetest.RequireCode(t, err, errorbank.CodeDuplicateTask)

	moved, err := f.DeliverySvc.Assign(ctx, servicetest.Admin, order.ID, servicetest.Other.ID, nil)
	if err != nil {
		t.Fatalf("admin reassign: %v", err)
	}
	if moved.ID != first.ID || !moved.AssignedTo(servicetest.Other.ID) {
		t.Fatalf("reassignment should reuse the task: first=%d moved=%+v", first.ID, moved)
	}

	if _, err := f.DeliverySvc.Complete(ctx, servicetest.Other, moved.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	_, err = f.DeliverySvc.Assign(ctx, servicetest.Admin, order.ID, servicetest.Courier.ID, nil)
	servicetest.RequireCode(t, err, errorbank.CodeDuplicateTask)

	tasks, total, err := f.DeliverySvc.List(ctx, servicetest.Admin, deliveryListAll())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(tasks) != 1 {
		t.Fatalf("expected a single task, got %d", total)
	}
}

func TestAssignRequiresShippedOrderAndRole(t *testing.T) {
	f := servicetest.New(t)
	ctx := context.Background()
	med := f.Medication(t, "Omeprazol", "20.00", 10)
	order := f.PlaceOrder(t, entity.PaymentMethodCash, med, 1)

	_, err := f.DeliverySvc.Assign(ctx, servicetest.Courier, order.ID, "", nil)
	servicetest.RequireCode(t, err, errorbank.CodeInvalidTransition)

	f.Advance(t, order.ID, entity.OrderConfirmed, entity.OrderProcessing, entity.OrderShipped)
	_, err = f.DeliverySvc.Assign(ctx, servicetest.Client, order.ID, servicetest.Courier.ID, nil)
	requireKind(t, err, errorbank.KindForbidden)
	_, err = f.DeliverySvc.Assign(ctx, servicetest.Courier, order.ID, servicetest.Other.ID, nil)
	requireKind(t, err, errorbank.KindForbidden)
	_, err = f.DeliverySvc.Assign(ctx, servicetest.Admin, order.ID, "", nil)
	requireKind(t, err, errorbank.KindBadRequest)
	_, err = f.DeliverySvc.Assign(ctx, servicetest.Admin, 9999, servicetest.Courier.ID, nil)
	servicetest.RequireCode(t, err, errorbank.CodeOrderNotFound)

	eta := time.Date(2030, 1, 2, 15, 0, 0, 0, time.UTC)
	task, err := f.DeliverySvc.Assign(ctx, servicetest.Admin, order.ID, servicetest.Courier.ID, &eta)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if task.EstimatedDeliveryTime == nil || !task.EstimatedDeliveryTime.Equal(eta) {
		t.Fatalf("expected explicit eta, got %v", task.EstimatedDeliveryTime)
	}
}

func TestReleaseWithoutCourier(t *testing.T) {
	f := servicetest.New(t)
	ctx := context.Background()
	med := f.Medication(t, "Paracetamol", "5.00", 10)
	order := f.PlaceOrder(t, entity.PaymentMethodCash, med, 1)

	_, err := f.DeliverySvc.Release(ctx, servicetest.Admin, order.ID, "", nil)
	servicetest.RequireCode(t, err, errorbank.CodeInvalidTransition)

	f.Advance(t, order.ID, entity.OrderConfirmed, entity.OrderProcessing)
	_, err = f.DeliverySvc.Release(ctx, servicetest.Courier, order.ID, "", nil)
	requireKind(t, err, errorbank.KindForbidden)

	res, err := f.DeliverySvc.Release(ctx, servicetest.Admin, order.ID, "", nil)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if res.Task != nil || res.Order.Status != entity.OrderShipped {
		t.Fatalf("release should ship without a task: %+v", res)
	}
	if _, err := f.Deliveries.GetByOrderID(ctx, order.ID); err == nil {
		t.Fatalf("release without courier must not create a task")
	}

	available, err := f.DeliverySvc.Available(ctx, servicetest.Courier)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if len(available) != 1 || available[0].ID != order.ID {
		t.Fatalf("expected released order to be available, got %d orders", len(available))
	}
	_, err = f.DeliverySvc.Available(ctx, servicetest.Client)
	requireKind(t, err, errorbank.KindForbidden)

	withCourier, err := f.DeliverySvc.Release(ctx, servicetest.Admin, order.ID, servicetest.Courier.ID, nil)
	if err != nil {
		t.Fatalf("release with courier: %v", err)
	}
	if withCourier.Task == nil || !withCourier.Task.AssignedTo(servicetest.Courier.ID) {
		t.Fatalf("expected a task for the courier, got %+v", withCourier.Task)
	}
	available, err = f.DeliverySvc.Available(ctx, servicetest.Courier)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if len(available) != 0 {
		t.Fatalf("claimed order should leave the pool")
	}
}

func TestReleaseWithCourierRollsBackTogether(t *testing.T) {
	f := servicetest.New(t)
	ctx := context.Background()
	med := f.Medication(t, "Amoxicilina", "30.00", 10)
	order := f.PlaceOrder(t, entity.PaymentMethodCash, med, 1)
	f.Advance(t, order.ID, entity.OrderConfirmed, entity.OrderProcessing)

	if _, err := f.DB.Writer.ExecContext(ctx, `CREATE TRIGGER reject_tasks BEFORE INSERT ON delivery_tasks
BEGIN SELECT RAISE(ABORT, 'task rejected'); END`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}
	_, err := f.DeliverySvc.Release(ctx, servicetest.Admin, order.ID, servicetest.Courier.ID, nil)
	requireKind(t, err, errorbank.KindInternal)
	if stored := f.Reload(t, order.ID); stored.Status != entity.OrderProcessing {
		t.Fatalf("failed assignment must roll back the release, got %s", stored.Status)
	}

	if _, err := f.DB.Writer.ExecContext(ctx, "DROP TRIGGER reject_tasks"); err != nil {
		t.Fatalf("drop trigger: %v", err)
	}
	res, err := f.DeliverySvc.Release(ctx, servicetest.Admin, order.ID, servicetest.Courier.ID, nil)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if res.Order.Status != entity.OrderShipped || res.Task == nil || !res.Task.AssignedTo(servicetest.Courier.ID) {
		t.Fatalf("expected shipped order with an assigned task, got %+v", res)
	}
	if stored := f.Reload(t, order.ID); stored.Status != entity.OrderShipped {
		t.Fatalf("expected SHIPPED after release, got %s", stored.Status)
	}
}

func TestFailKeepsOrderShippedForReassignment(t *testing.T) {
	f := servicetest.New(t)
	ctx := context.Background()
	order := shippedCashOrder(t, f)

	task, err := f.DeliverySvc.Assign(ctx, servicetest.Courier, order.ID, "", nil)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	_, err = f.DeliverySvc.Fail(ctx, servicetest.Other, task.ID, "nobody home")
	requireKind(t, err, errorbank.KindForbidden)

	failed, err := f.DeliverySvc.Fail(ctx, servicetest.Courier, task.ID, "nobody home")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Status != entity.DeliveryFailed {
		t.Fatalf("expected failed task, got %s", failed.Status)
	}
	stored := f.Reload(t, order.ID)
	if stored.Status != entity.OrderShipped || !strings.Contains(stored.Notes, "nobody home") {
		t.Fatalf("order should stay shipped with a note: %s %q", stored.Status, stored.Notes)
	}

	_, err = f.DeliverySvc.Complete(ctx, servicetest.Courier, task.ID)
	servicetest.RequireCode(t, err, errorbank.CodeInvalidTransition)

	available, err := f.DeliverySvc.Available(ctx, servicetest.Admin)
	if err != nil || len(available) != 1 {
		t.Fatalf("failed delivery should be available again: %d %v", len(available), err)
	}

	reopened, err := f.DeliverySvc.Assign(ctx, servicetest.Other, order.ID, "", nil)
	if err != nil {
		t.Fatalf("reassign after failure: %v", err)
	}
	if reopened.ID != task.ID || reopened.Status != entity.DeliveryInProgress || !reopened.AssignedTo(servicetest.Other.ID) {
		t.Fatalf("unexpected reopened task %+v", reopened)
	}
}

func TestCompleteDeliversOrder(t *testing.T) {
	f := servicetest.New(t)
	ctx := context.Background()
	order := shippedCashOrder(t, f)
	task, err := f.DeliverySvc.Assign(ctx, servicetest.Courier, order.ID, "", nil)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	_, err = f.DeliverySvc.Complete(ctx, servicetest.Client, task.ID)
	requireKind(t, err, errorbank.KindForbidden)

	done, err := f.DeliverySvc.Complete(ctx, servicetest.Admin, task.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != entity.DeliveryDelivered || done.DeliveredAt == nil {
		t.Fatalf("unexpected task %+v", done)
	}
	if f.Reload(t, order.ID).Status != entity.OrderDelivered {
		t.Fatalf("order should be delivered")
	}
	_, err = f.DeliverySvc.Complete(ctx, servicetest.Admin, 9999)
	servicetest.RequireCode(t, err, errorbank.CodeTaskNotFound)
}

func TestTrackReportsDistanceAndETA(t *testing.T) {
	f := servicetest.New(t)
	ctx := context.Background()
	f.Geocoder.Coords = &geocoding.Coordinates{Latitude: -23.5605, Longitude: -46.6433}
	order := shippedCashOrder(t, f)

	task, err := f.DeliverySvc.Assign(ctx, servicetest.Courier, order.ID, "", nil)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if task.CustomerLatitude == nil || *task.CustomerLatitude != -23.5605 {
		t.Fatalf("expected geocoded customer position, got %+v", task.CustomerLatitude)
	}

	before, err := f.DeliverySvc.Track(ctx, servicetest.Client, task.ID)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if before.DistanceKm != nil {
		t.Fatalf("no distance before the first ping")
	}

	res, err := f.DeliverySvc.ReportLocation(ctx, servicetest.Courier, task.ID, -23.5505, -46.6333, nil)
	if err != nil || !res.Applied {
		t.Fatalf("report location: %+v %v", res, err)
	}

	tracking, err := f.DeliverySvc.Track(ctx, servicetest.Client, task.ID)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if tracking.DistanceKm == nil || tracking.ETAMinutes == nil {
		t.Fatalf("expected distance and eta after ping")
	}
	if d := *tracking.DistanceKm; d < 1.4 || d > 1.6 {
		t.Fatalf("distance out of range: %f", d)
	}
	if eta := *tracking.ETAMinutes; eta < 3.3 || eta > 3.9 {
		t.Fatalf("eta out of range: %f", eta)
	}
	if math.Abs(*tracking.ETAMinutes-*tracking.DistanceKm/25*60) > 1e-9 {
		t.Fatalf("eta should follow the configured speed")
	}

	if _, err := f.DeliverySvc.Track(ctx, servicetest.Courier, task.ID); err != nil {
		t.Fatalf("assigned courier should track: %v", err)
	}
	_, err = f.DeliverySvc.Track(ctx, servicetest.Other, task.ID)
	requireKind(t, err, errorbank.KindForbidden)
	_, err = f.DeliverySvc.Track(ctx, entity.Actor{Role: entity.RoleClient, ID: "client-2"}, task.ID)
	requireKind(t, err, errorbank.KindForbidden)
}

func TestGeocodingFailureDoesNotBlockAssignment(t *testing.T) {
	f := servicetest.New(t)
	ctx := context.Background()
	f.Geocoder.Err = errors.New("nominatim unavailable")
	order := shippedCashOrder(t, f)

	task, err := f.DeliverySvc.Assign(ctx, servicetest.Courier, order.ID, "", nil)
	if err != nil {
		t.Fatalf("assign should survive geocoding errors: %v", err)
	}
	if task.CustomerLatitude != nil || task.CustomerLongitude != nil {
		t.Fatalf("expected empty customer coordinates")
	}
	if f.Geocoder.Calls != 1 {
		t.Fatalf("expected one geocoding attempt, got %d", f.Geocoder.Calls)
	}

	if _, err := f.DeliverySvc.ReportLocation(ctx, servicetest.Courier, task.ID, -23.55, -46.63, nil); err != nil {
		t.Fatalf("report location: %v", err)
	}
	tracking, err := f.DeliverySvc.Track(ctx, servicetest.Admin, task.ID)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if tracking.DistanceKm != nil || tracking.CurrentLatitude == nil {
		t.Fatalf("expected position without distance, got %+v", tracking)
	}
}

func TestReportLocationIgnoresStalePings(t *testing.T) {
	f := servicetest.New(t)
	ctx := context.Background()
	order := shippedCashOrder(t, f)
	task, err := f.DeliverySvc.Assign(ctx, servicetest.Courier, order.ID, "", nil)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	newer := time.Date(2030, 5, 1, 10, 5, 0, 0, time.UTC)
	older := newer.Add(-time.Minute)
	if res, err := f.DeliverySvc.ReportLocation(ctx, servicetest.Courier, task.ID, -23.10, -46.10, &newer); err != nil || !res.Applied {
		t.Fatalf("first ping: %+v %v", res, err)
	}
	res, err := f.DeliverySvc.ReportLocation(ctx, servicetest.Courier, task.ID, -23.20, -46.20, &older)
	if err != nil {
		t.Fatalf("stale ping: %v", err)
	}
	if res.Applied {
		t.Fatalf("stale ping must not be applied")
	}
	stored, err := f.Deliveries.GetByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if *stored.CurrentLatitude != -23.10 {
		t.Fatalf("stale ping overwrote position: %f", *stored.CurrentLatitude)
	}

	_, err = f.DeliverySvc.ReportLocation(ctx, servicetest.Courier, task.ID, math.NaN(), -46.2, nil)
	requireKind(t, err, errorbank.KindBadRequest)
	_, err = f.DeliverySvc.ReportLocation(ctx, servicetest.Other, task.ID, -23.3, -46.3, nil)
	requireKind(t, err, errorbank.KindForbidden)
	_, err = f.DeliverySvc.ReportLocation(ctx, servicetest.Admin, task.ID, -23.3, -46.3, nil)
	requireKind(t, err, errorbank.KindForbidden)

	if _, err := f.DeliverySvc.Complete(ctx, servicetest.Courier, task.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	_, err = f.DeliverySvc.ReportLocation(ctx, servicetest.Courier, task.ID, -23.3, -46.3, nil)
	servicetest.RequireCode(t, err, errorbank.CodeInvalidTransition)
}

func TestReportLocationComparesDeviceStampsOnly(t *testing.T) {
	f := servicetest.New(t)
	ctx := context.Background()
	order := shippedCashOrder(t, f)
	task, err := f.DeliverySvc.Assign(ctx, servicetest.Courier, order.ID, "", nil)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	if res, err := f.DeliverySvc.ReportLocation(ctx, servicetest.Courier, task.ID, -23.10, -46.10, nil); err != nil || !res.Applied {
		t.Fatalf("server stamped ping: %+v %v", res, err)
	}
	skewed := time.Date(2001, 1, 1, 8, 0, 0, 0, time.UTC)
	res, err := f.DeliverySvc.ReportLocation(ctx, servicetest.Courier, task.ID, -23.20, -46.20, &skewed)
	if err != nil {
		t.Fatalf("device ping: %v", err)
	}
	if !res.Applied {
		t.Fatalf("a device stamp must not be compared with a server stamp")
	}

	earlier := skewed.Add(-time.Minute)
	res, err = f.DeliverySvc.ReportLocation(ctx, servicetest.Courier, task.ID, -23.30, -46.30, &earlier)
	if err != nil {
		t.Fatalf("older device ping: %v", err)
	}
	if res.Applied {
		t.Fatalf("older device ping must be ignored")
	}
	stored, err := f.Deliveries.GetByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if *stored.CurrentLatitude != -23.20 || !stored.LocationFromDevice {
		t.Fatalf("unexpected stored position %f (device=%v)", *stored.CurrentLatitude, stored.LocationFromDevice)
	}
}

func TestListScopesCouriersToTheirTasks(t *testing.T) {
	f := servicetest.New(t)
	ctx := context.Background()
	mine := shippedCashOrder(t, f)
	theirs := shippedCashOrder(t, f)
	if _, err := f.DeliverySvc.Assign(ctx, servicetest.Courier, mine.ID, "", nil); err != nil {
		t.Fatalf("assign: %v", err)
	}
	theirTask, err := f.DeliverySvc.Assign(ctx, servicetest.Other, theirs.ID, "", nil)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	tasks, total, err := f.DeliverySvc.List(ctx, servicetest.Courier, deliveryListAll())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || tasks[0].OrderID != mine.ID {
		t.Fatalf("courier should only see own tasks, got %d", total)
	}
	if _, err := f.DeliverySvc.Get(ctx, servicetest.Client, theirTask.ID); err != nil {
		t.Fatalf("ordering client should see the task: %v", err)
	}
	_, err = f.DeliverySvc.Get(ctx, servicetest.Courier, theirTask.ID)
	requireKind(t, err, errorbank.KindForbidden)
	_, _, err = f.DeliverySvc.List(ctx, servicetest.Client, deliveryListAll())
	requireKind(t, err, errorbank.KindForbidden)
}

func TestCancelFailsActiveTask(t *testing.T) {
	f := servicetest.New(t, servicetest.WithMessaging(false))
	ctx := context.Background()
	order := shippedCashOrder(t, f)
	task, err := f.DeliverySvc.Assign(ctx, servicetest.Courier, order.ID, "", nil)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := f.OrderSvc.Transition(ctx, servicetest.Admin, order.ID, entity.OrderCancelled, "customer gave up"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	stored, err := f.Deliveries.GetByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.Status != entity.DeliveryFailed {
		t.Fatalf("cancel should fail the task, got %s", stored.Status)
	}
	types := strings.Join(f.Bus.Types(), ",")
	if !strings.Contains(types, "delivery.assigned") || !strings.Contains(types, "order.status_changed") {
		t.Fatalf("unexpected events %s", types)
	}
}

func TestCancelDropsCachedTracking(t *testing.T) {
	f := servicetest.New(t)
	ctx := context.Background()
	order := shippedCashOrder(t, f)
	task, err := f.DeliverySvc.Assign(ctx, servicetest.Courier, order.ID, "", nil)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	before, err := f.DeliverySvc.Track(ctx, servicetest.Client, task.ID)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if before.Status != entity.DeliveryInProgress {
		t.Fatalf("expected in_progress, got %s", before.Status)
	}
	if _, err := f.OrderSvc.Transition(ctx, servicetest.Admin, order.ID, entity.OrderCancelled, "out of stock"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	after, err := f.DeliverySvc.Track(ctx, servicetest.Client, task.ID)
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if after.Status != entity.DeliveryFailed {
		t.Fatalf("tracking served a stale snapshot after cancel: %s", after.Status)
	}
}
