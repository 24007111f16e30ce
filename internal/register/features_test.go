package register_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/cucumber/godog"
	"github.com/shopspring/decimal"

	"kasirinaja/pos/internal/domain"
	"kasirinaja/pos/internal/pricing"
	"kasirinaja/pos/internal/register"
	"kasirinaja/pos/internal/store/memory"
)

type checkoutContext struct {
	store      *memory.Store
	session    *register.Session
	lastTender domain.PaymentTender
	lastOrder  string
	err        error
}

func (c *checkoutContext) reset() {
	c.store = memory.New()
	c.session = register.New(register.Options{
		StoreID:      "main-store",
		TerminalID:   "terminal-1",
		Catalog:      c.store,
		Customers:    c.store,
		PaymentTypes: c.store,
		Orders:       c.store,
	})
	c.lastTender = domain.PaymentTender{}
	c.lastOrder = ""
	c.err = nil
}

func parse(v string) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.TrimSpace(v))
}

func expectEqual(name string, got decimal.Decimal, want string) error {
	w, err := parse(want)
	if err != nil {
		return err
	}
	if !got.Equal(w) {
		return fmt.Errorf("expected %s %s, got %s", name, w, got)
	}
	return nil
}

func (c *checkoutContext) aProductPricedWithTaxAndStock(id string, price string, rate string, qty string) error {
	p, err := parse(price)
	if err != nil {
		return err
	}
	r, err := parse(rate)
	if err != nil {
		return err
	}
	q, err := parse(qty)
	if err != nil {
		return err
	}
	c.store.PutProduct(domain.Product{
		ID: id, Name: id, BasePrice: p,
		Taxes:           []domain.TaxRate{{Name: "VAT", Rate: r}},
		ManageInventory: true, Quantity: q, Active: true,
	})
	return nil
}

func (c *checkoutContext) aPaymentTypeThatGivesChange(id string) error {
	c.store.PutPaymentType(domain.PaymentType{ID: id, Name: id, Category: domain.PaymentCash, CanHaveChangeDue: true})
	return nil
}

func (c *checkoutContext) aPaymentTypeOfCategory(id string, category string) error {
	c.store.PutPaymentType(domain.PaymentType{ID: id, Name: id, Category: domain.PaymentCategory(category)})
	return nil
}

func (c *checkoutContext) aCustomerWithOutstandingAndLimit(id string, outstanding string, limit string) error {
	o, err := parse(outstanding)
	if err != nil {
		return err
	}
	l, err := parse(limit)
	if err != nil {
		return err
	}
	c.store.PutCustomer(domain.Customer{ID: id, Name: id, Outstanding: o, CreditLimit: &l, AllowCreditSale: true})
	return nil
}

func (c *checkoutContext) iAddOf(qty string, productID string) error {
	q, err := parse(qty)
	if err != nil {
		return err
	}
	_, err = c.session.AddLine(context.Background(), domain.AddLineRequest{ProductID: productID, Quantity: q})
	return err
}

func (c *checkoutContext) iApplyAPercentOrderDiscount(rate string) error {
	r, err := parse(rate)
	if err != nil {
		return err
	}
	return c.session.SetOrderDiscount(&domain.DiscountSelection{RateType: domain.DiscountPercent, Rate: r})
}

func (c *checkoutContext) iAttachCustomer(id string) error {
	_, err := c.session.AttachCustomer(context.Background(), domain.CustomerAttachRequest{CustomerID: id})
	return err
}

func (c *checkoutContext) iTenderBy(amount string, paymentTypeID string) error {
	a, err := parse(amount)
	if err != nil {
		return err
	}
	c.lastTender, c.err = c.session.AddTender(context.Background(), domain.TenderRequest{PaymentTypeID: paymentTypeID, Amount: a})
	return nil
}

func (c *checkoutContext) iSubmitTheTransactionAs(status string) error {
	resp, err := c.session.Submit(context.Background(), domain.OrderStatus(status))
	if err != nil {
		return err
	}
	c.lastOrder = resp.Receipt.OrderID
	return nil
}

func (c *checkoutContext) iStartAReturnOfTheLastOrder() error {
	_, err := c.session.StartReturn(context.Background(), c.lastOrder)
	return err
}

func (c *checkoutContext) theSubtotalIs(want string) error {
	return expectEqual("subtotal", c.session.Totals().Subtotal, want)
}

func (c *checkoutContext) theOrderDiscountIs(want string) error {
	return expectEqual("order discount", c.session.Totals().OrderDiscountAmount, want)
}

func (c *checkoutContext) theFinalTotalIs(want string) error {
	return expectEqual("final total", c.session.Totals().FinalTotal, want)
}

func (c *checkoutContext) theLastTenderCountsReceivedAndDue(total string, received string, due string) error {
	if c.err != nil {
		return c.err
	}
	if err := expectEqual("tender total", c.lastTender.Total, total); err != nil {
		return err
	}
	if err := expectEqual("tender received", c.lastTender.Received, received); err != nil {
		return err
	}
	return expectEqual("tender due", c.lastTender.Due, due)
}

func (c *checkoutContext) theChangeDueIs(want string) error {
	if c.err != nil {
		return c.err
	}
	return expectEqual("change due", c.session.ChangeDue(decimal.Zero), want)
}

func (c *checkoutContext) theTransactionCanBeSettled() error {
	if !c.session.CanSettle() {
		return fmt.Errorf("expected the transaction to be settleable")
	}
	return nil
}

func (c *checkoutContext) theTenderIsRejectedWith(msg string) error {
	if c.err == nil {
		return fmt.Errorf("expected tender to be rejected")
	}
	if !strings.Contains(c.err.Error(), msg) {
		return fmt.Errorf("expected error containing %q, got %q", msg, c.err.Error())
	}
	return nil
}

func (c *checkoutContext) thereAreNoTenders() error {
	if n := len(c.session.Snapshot().Tenders); n != 0 {
		return fmt.Errorf("expected no tenders, got %d", n)
	}
	return nil
}

func (c *checkoutContext) theSuggestedAdjustmentForIs(total string, want string) error {
	t, err := parse(total)
	if err != nil {
		return err
	}
	return expectEqual("adjustment", pricing.SuggestAdjustment(t), want)
}

func (c *checkoutContext) theStockOfIs(productID string, want string) error {
	p, err := c.store.GetProduct(context.Background(), productID)
	if err != nil {
		return err
	}
	return expectEqual("stock", p.Quantity, want)
}

func (c *checkoutContext) theSessionIsASaleAgain() error {
	snap := c.session.Snapshot()
	if snap.Orientation != domain.OrientationSale || snap.ReturnOf != "" || len(snap.Lines) != 0 {
		return fmt.Errorf("expected an empty sale session, got %s with %d lines", snap.Orientation, len(snap.Lines))
	}
	return nil
}

func InitializeScenario(ctx *godog.ScenarioContext) {
	c := &checkoutContext{}

	ctx.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		c.reset()
		return ctx, nil
	})

	// Given steps
	ctx.Step(`^a product "([^"]*)" priced (\d+) with (\d+)% tax and (\d+) in stock$`, c.aProductPricedWithTaxAndStock)
	ctx.Step(`^a payment type "([^"]*)" that gives change$`, c.aPaymentTypeThatGivesChange)
	ctx.Step(`^a payment type "([^"]*)" of category "([^"]*)"$`, c.aPaymentTypeOfCategory)
	ctx.Step(`^a customer "([^"]*)" with outstanding (\d+) and credit limit (\d+)$`, c.aCustomerWithOutstandingAndLimit)

	// When steps
	ctx.Step(`^I add (\d+) of "([^"]*)"$`, c.iAddOf)
	ctx.Step(`^I apply a (\d+)% order discount$`, c.iApplyAPercentOrderDiscount)
	ctx.Step(`^I attach customer "([^"]*)"$`, c.iAttachCustomer)
	ctx.Step(`^I tender (\d+) by "([^"]*)"$`, c.iTenderBy)
	ctx.Step(`^I submit the transaction as "([^"]*)"$`, c.iSubmitTheTransactionAs)
	ctx.Step(`^I start a return of the last order$`, c.iStartAReturnOfTheLastOrder)

	// Then steps
	ctx.Step(`^the subtotal is (-?\d+)$`, c.theSubtotalIs)
	ctx.Step(`^the order discount is (-?\d+)$`, c.theOrderDiscountIs)
	ctx.Step(`^the final total is (-?\d+)$`, c.theFinalTotalIs)
	ctx.Step(`^the last tender counts (-?\d+), received (-?\d+) and due (-?\d+)$`, c.theLastTenderCountsReceivedAndDue)
	ctx.Step(`^the change due is (-?\d+)$`, c.theChangeDueIs)
	ctx.Step(`^the transaction can be settled$`, c.theTransactionCanBeSettled)
	ctx.Step(`^the tender is rejected with "([^"]*)"$`, c.theTenderIsRejectedWith)
	ctx.Step(`^there are no tenders$`, c.thereAreNoTenders)
	ctx.Step(`^the suggested adjustment for (-?\d+) is (-?\d+)$`, c.theSuggestedAdjustmentForIs)
	ctx.Step(`^the stock of "([^"]*)" is (\d+)$`, c.theStockOfIs)
	ctx.Step(`^the session is a sale again$`, c.theSessionIsASaleAgain)
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
