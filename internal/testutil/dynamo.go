// Package testutil holds in-memory fakes shared by package tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Dynamo is a small in-memory DynamoDB. It understands the expression subset
// the stores write: SET clauses, AND/OR of comparisons, attribute_exists,
// attribute_not_exists, begins_with, and if_not_exists(x, :v) + :w arithmetic.
// TransactWriteItems supports Put and ConditionCheck and is all-or-nothing.
type Dynamo struct {
	mu     sync.Mutex
	tables map[string]*table

	PutCalls    int
	GetCalls    int
	UpdateCalls int
	QueryCalls  int
	TxCalls     int

	// BeforeUpdate runs before an UpdateItem is evaluated; tests use it to
	// change the item underneath a read-then-write.
	BeforeUpdate func(table string, item map[string]types.AttributeValue)
}

type table struct {
	hashKey  string
	rangeKey string
	items    map[string]map[string]types.AttributeValue
}

func NewDynamo() *Dynamo {
	return &Dynamo{tables: map[string]*table{}}
}

// CreateTable registers a table's key schema. rangeKey may be empty.
func (d *Dynamo) CreateTable(name, hashKey, rangeKey string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tables[name] = &table{hashKey: hashKey, rangeKey: rangeKey, items: map[string]map[string]types.AttributeValue{}}
}

// Items returns a snapshot of every item in a table.
func (d *Dynamo) Items(name string) []map[string]types.AttributeValue {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.tables[name]
	if t == nil {
		return nil
	}
	out := make([]map[string]types.AttributeValue, 0, len(t.items))
	for _, it := range t.items {
		out = append(out, copyItem(it))
	}
	return out
}

// Set writes an item directly, bypassing conditions.
func (d *Dynamo) Set(name string, item map[string]types.AttributeValue) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.tables[name]
	t.items[t.keyOf(item)] = copyItem(item)
}

func (t *table) keyOf(item map[string]types.AttributeValue) string {
	k := avString(item[t.hashKey])
	if t.rangeKey != "" {
		k += "|" + avString(item[t.rangeKey])
	}
	return k
}

func (d *Dynamo) lookup(name *string) (*table, error) {
	if name == nil {
		return nil, errors.New("missing table name")
	}
	t, ok := d.tables[*name]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: strPtr("table " + *name + " not found")}
	}
	return t, nil
}

func (d *Dynamo) PutItem(ctx context.Context, in *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.PutCalls++
	t, err := d.lookup(in.TableName)
	if err != nil {
		return nil, err
	}
	if _, ok := in.Item[t.hashKey]; !ok {
		return nil, errors.New("put item: missing hash key " + t.hashKey)
	}
	key := t.keyOf(in.Item)
	existing := t.items[key]
	if in.ConditionExpression != nil {
		ok, err := evalCondition(*in.ConditionExpression, existing, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &types.ConditionalCheckFailedException{Message: strPtr("The conditional request failed"), Item: copyItem(existing)}
		}
	}
	t.items[key] = copyItem(in.Item)
	return &dyn.PutItemOutput{}, nil
}

func (d *Dynamo) GetItem(ctx context.Context, in *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.GetCalls++
	t, err := d.lookup(in.TableName)
	if err != nil {
		return nil, err
	}
	item, ok := t.items[t.keyOf(in.Key)]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(item)}, nil
}

func (d *Dynamo) UpdateItem(ctx context.Context, in *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.UpdateCalls++
	t, err := d.lookup(in.TableName)
	if err != nil {
		return nil, err
	}
	key := t.keyOf(in.Key)
	existing := t.items[key]
	if d.BeforeUpdate != nil && existing != nil {
		d.BeforeUpdate(*in.TableName, existing)
	}
	if in.ConditionExpression != nil {
		ok, err := evalCondition(*in.ConditionExpression, existing, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if !ok {
			ccf := &types.ConditionalCheckFailedException{Message: strPtr("The conditional request failed")}
			if in.ReturnValuesOnConditionCheckFailure == types.ReturnValuesOnConditionCheckFailureAllOld {
				ccf.Item = copyItem(existing)
			}
			return nil, ccf
		}
	}
	next := copyItem(existing)
	if next == nil {
		next = copyItem(in.Key)
	}
	if in.UpdateExpression != nil {
		if err := applyUpdate(*in.UpdateExpression, next, in.ExpressionAttributeNames, in.ExpressionAttributeValues); err != nil {
			return nil, err
		}
	}
	t.items[key] = next
	out := &dyn.UpdateItemOutput{}
	if in.ReturnValues == types.ReturnValueAllNew || in.ReturnValues == types.ReturnValueUpdatedNew {
		out.Attributes = copyItem(next)
	}
	return out, nil
}

func (d *Dynamo) Query(ctx context.Context, in *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.QueryCalls++
	t, err := d.lookup(in.TableName)
	if err != nil {
		return nil, err
	}
	if in.KeyConditionExpression == nil {
		return nil, errors.New("query: missing key condition")
	}
	var matched []map[string]types.AttributeValue
	for _, it := range t.items {
		ok, err := evalCondition(*in.KeyConditionExpression, it, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, it)
		}
	}
	sortKey := t.rangeKey
	if in.IndexName != nil {
		sortKey = "created_at"
	}
	sort.Slice(matched, func(i, j int) bool {
		return avString(matched[i][sortKey]) < avString(matched[j][sortKey])
	})
	if in.ScanIndexForward != nil && !*in.ScanIndexForward {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}
	if in.Limit != nil && int(*in.Limit) < len(matched) {
		matched = matched[:*in.Limit]
	}
	out := &dyn.QueryOutput{}
	for _, it := range matched {
		if in.FilterExpression != nil {
			ok, err := evalCondition(*in.FilterExpression, it, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		out.Items = append(out.Items, copyItem(it))
	}
	out.Count = int32(len(out.Items))
	return out, nil
}

func (d *Dynamo) TransactWriteItems(ctx context.Context, in *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.TxCalls++

	type write struct {
		t    *table
		key  string
		item map[string]types.AttributeValue
	}
	var writes []write
	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, ti := range in.TransactItems {
		var (
			tableName *string
			key       map[string]types.AttributeValue
			cond      *string
			names     map[string]string
			values    map[string]types.AttributeValue
			put       map[string]types.AttributeValue
		)
		switch {
		case ti.Put != nil:
			tableName, key, put = ti.Put.TableName, ti.Put.Item, ti.Put.Item
			cond, names, values = ti.Put.ConditionExpression, ti.Put.ExpressionAttributeNames, ti.Put.ExpressionAttributeValues
		case ti.ConditionCheck != nil:
			tableName, key = ti.ConditionCheck.TableName, ti.ConditionCheck.Key
			cond, names, values = ti.ConditionCheck.ConditionExpression, ti.ConditionCheck.ExpressionAttributeNames, ti.ConditionCheck.ExpressionAttributeValues
		default:
			return nil, errors.New("transact write: only Put and ConditionCheck are supported")
		}
		t, err := d.lookup(tableName)
		if err != nil {
			return nil, err
		}
		k := t.keyOf(key)
		reasons[i] = types.CancellationReason{Code: strPtr("None")}
		if cond != nil {
			ok, err := evalCondition(*cond, t.items[k], names, values)
			if err != nil {
				return nil, err
			}
			if !ok {
				reasons[i] = types.CancellationReason{Code: strPtr("ConditionalCheckFailed"), Message: strPtr("The conditional request failed")}
				failed = true
				continue
			}
		}
		if put != nil {
			writes = append(writes, write{t: t, key: k, item: put})
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             strPtr("Transaction cancelled, please refer cancellation reasons for specific reasons"),
			CancellationReasons: reasons,
		}
	}
	for _, w := range writes {
		w.t.items[w.key] = copyItem(w.item)
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

// --- expression evaluation ---

func evalCondition(expr string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	for _, alt := range strings.Split(expr, " OR ") {
		all := true
		for _, clause := range strings.Split(alt, " AND ") {
			ok, err := evalClause(strings.TrimSpace(clause), item, names, values)
			if err != nil {
				return false, err
			}
			if !ok {
				all = false
				break
			}
		}
		if all {
			return true, nil
		}
	}
	return false, nil
}

func evalClause(clause string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	if strings.HasPrefix(clause, "(") && strings.HasSuffix(clause, ")") {
		clause = clause[1 : len(clause)-1]
	}
	if arg, ok := funcArg(clause, "attribute_exists"); ok {
		_, exists := item[resolveName(arg, names)]
		return exists, nil
	}
	if arg, ok := funcArg(clause, "attribute_not_exists"); ok {
		_, exists := item[resolveName(arg, names)]
		return !exists, nil
	}
	if arg, ok := funcArg(clause, "begins_with"); ok {
		attr, prefix, _ := strings.Cut(arg, ",")
		v, p := operand(strings.TrimSpace(attr), item, names, values), operand(strings.TrimSpace(prefix), item, names, values)
		if v == nil || p == nil {
			return false, nil
		}
		return strings.HasPrefix(avString(v), avString(p)), nil
	}
	parts := strings.Fields(clause)
	if len(parts) != 3 {
		return false, fmt.Errorf("unsupported clause %q", clause)
	}
	left := operand(parts[0], item, names, values)
	right := operand(parts[2], item, names, values)
	if left == nil || right == nil {
		return false, nil
	}
	c, err := compare(left, right)
	if err != nil {
		return false, err
	}
	switch parts[1] {
	case "=":
		return c == 0, nil
	case "<>":
		return c != 0, nil
	case ">":
		return c > 0, nil
	case ">=":
		return c >= 0, nil
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	}
	return false, fmt.Errorf("unsupported operator %q", parts[1])
}

func applyUpdate(expr string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) error {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "SET ") {
		return fmt.Errorf("unsupported update expression %q", expr)
	}
	for _, assign := range splitTopLevel(strings.TrimPrefix(expr, "SET ")) {
		lhs, rhs, ok := strings.Cut(assign, "=")
		if !ok {
			return fmt.Errorf("bad assignment %q", assign)
		}
		attr := resolveName(strings.TrimSpace(lhs), names)
		v, err := evalValue(strings.TrimSpace(rhs), item, names, values)
		if err != nil {
			return err
		}
		item[attr] = v
	}
	return nil
}

func evalValue(rhs string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (types.AttributeValue, error) {
	if l, r, ok := strings.Cut(rhs, " + "); ok {
		a, err := evalValue(strings.TrimSpace(l), item, names, values)
		if err != nil {
			return nil, err
		}
		b, err := evalValue(strings.TrimSpace(r), item, names, values)
		if err != nil {
			return nil, err
		}
		return &types.AttributeValueMemberN{Value: strconv.FormatFloat(avNumber(a)+avNumber(b), 'f', -1, 64)}, nil
	}
	if arg, ok := funcArg(rhs, "if_not_exists"); ok {
		attr, def, _ := strings.Cut(arg, ",")
		if v, exists := item[resolveName(strings.TrimSpace(attr), names)]; exists {
			return v, nil
		}
		return evalValue(strings.TrimSpace(def), item, names, values)
	}
	v := operand(rhs, item, names, values)
	if v == nil {
		return nil, fmt.Errorf("unresolved value %q", rhs)
	}
	return v, nil
}

func funcArg(s, fn string) (string, bool) {
	if !strings.HasPrefix(s, fn+"(") || !strings.HasSuffix(s, ")") {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(s, fn+"("), ")"), true
}

func splitTopLevel(s string) []string {
	var out []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	return append(out, strings.TrimSpace(s[start:]))
}

func resolveName(tok string, names map[string]string) string {
	if strings.HasPrefix(tok, "#") {
		return names[tok]
	}
	return tok
}

func operand(tok string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) types.AttributeValue {
	if strings.HasPrefix(tok, ":") {
		return values[tok]
	}
	return item[resolveName(tok, names)]
}

func compare(a, b types.AttributeValue) (int, error) {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return 0, errors.New("type mismatch")
		}
		return strings.Compare(av.Value, bv.Value), nil
	case *types.AttributeValueMemberN:
		x, y := avNumber(a), avNumber(b)
		switch {
		case x < y:
			return -1, nil
		case x > y:
			return 1, nil
		}
		return 0, nil
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		if !ok || av.Value != bv.Value {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("unsupported attribute type %T", a)
}

func avNumber(v types.AttributeValue) float64 {
	if n, ok := v.(*types.AttributeValueMemberN); ok {
		f, _ := strconv.ParseFloat(n.Value, 64)
		return f
	}
	return 0
}

func avString(v types.AttributeValue) string {
	switch t := v.(type) {
	case *types.AttributeValueMemberS:
		return t.Value
	case *types.AttributeValueMemberN:
		return t.Value
	}
	return ""
}

func copyItem(in map[string]types.AttributeValue) map[string]types.AttributeValue {
	if in == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func strPtr(s string) *string { return &s }
