package txdefer

// TransactionRecord identifies an open transaction by the name of the connection it runs on.
type TransactionRecord struct {
	Connection string
}

// TransactionStack holds the open transactions, most recently begun first.
// Its length is the current nesting depth.
type TransactionStack struct {
	records []TransactionRecord
}

// Begin pushes a transaction opened on the given connection.
func (s *TransactionStack) Begin(connection string) {
	s.records = append([]TransactionRecord{{Connection: connection}}, s.records...)
}

// End pops the most recently begun transaction.
func (s *TransactionStack) End() (TransactionRecord, error) {
	if len(s.records) == 0 {
		return TransactionRecord{}, ErrEmptyStack
	}
	rec := s.records[0]
	s.records = s.records[1:]
	return rec, nil
}

// Depth returns the number of open transactions. Zero means none.
func (s *TransactionStack) Depth() int {
	return len(s.records)
}

// FindByConnection returns the position, counted from the most recent transaction,
// of the first open transaction running on the given connection.
func (s *TransactionStack) FindByConnection(connection string) (int, bool) {
	for i, rec := range s.records {
		if rec.Connection == connection {
			return i, true
		}
	}
	return -1, false
}
