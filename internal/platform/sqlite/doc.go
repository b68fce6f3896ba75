// Package sqlite - слой доступа к SQLite, устойчивый к блокировкам.
//
// Состав:
//   - Manager открывает базу с повторами при SQLITE_BUSY и хранит единственный handle
//   - Executor выполняет отдельные запросы с повторами временных ошибок
//   - TxRunner выполняет единицу работы атомарно (BEGIN, операторы, COMMIT)
//   - миграции golang-migrate из каталога или из embed.FS
//   - тестовые хелперы
//
// # Классификация ошибок
//
// Временными считаются SQLITE_BUSY и SQLITE_LOCKED (по коду результата, а при его
// отсутствии по тексту "database is locked"). Всё остальное завершает операцию сразу.
// Ошибки пакета разворачиваются в sentinel-ошибки shared: исчерпанные повторы дают
// shared.ErrBusy, нарушения ограничений - shared.ErrConflict.
//
// # Быстрый старт
//
//	mgr := sqlite.NewManager("data/clinic.db", sqlite.DefaultDBOptions(), log)
//	if _, err := mgr.Open(ctx); err != nil {
//		return err
//	}
//	defer mgr.Close()
//
//	exec, _ := mgr.NewExecutor()
//	rows, err := exec.QueryMany(ctx, "SELECT code, price FROM lab_tests WHERE is_active = 1")
//
// # Единица работы
//
// Операторы выполняются по порядку на одном закреплённом соединении. InsertID
// подставляет LastInsertID более раннего оператора:
//
//	runner, _ := mgr.NewTxRunner()
//	res, err := runner.RunUnit(ctx, []sqlite.Statement{
//		sqlite.Exec("INSERT INTO lab_orders (order_number, patient_ref, requester_ref) VALUES (?, ?, ?)", num, patient, doctor),
//		sqlite.Exec("INSERT INTO lab_order_items (order_id, test_name, test_code, price) VALUES (?, ?, ?, ?)", sqlite.InsertID(0), name, code, price),
//	})
//
// Если нужно читать внутри транзакции, используется WithinTx:
//
//	err = runner.WithinTx(ctx, func(ctx context.Context, exec *sqlite.Executor) error {
//		_, err := exec.Execute(ctx, "UPDATE lab_tests SET price = ? WHERE code = ?", price, code)
//		return err
//	})
//
// Ошибка оператора откатывает всю транзакцию. Блокировка на BEGIN или COMMIT,
// не снятая повторами оператора, перезапускает единицу целиком.
//
// # Миграции
//
//	_, err = sqlite.MigrateUp(db, migrations.FS, migrations.Dir)
//	err = sqlite.ApplyMigrations("data/clinic.db", "file://migrations/sqlite")
//
// # Тестирование
//
//	func TestSomething(t *testing.T) {
//		testDB := sqlite.NewTestDBInMemory(t)
//		testDB.ApplyTestMigrations(t, migrations.FS, migrations.Dir)
//	}
package sqlite
